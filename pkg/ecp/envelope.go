// Package ecp provides the Editor Command Protocol message types and
// JSON-RPC 2.0 codec utilities shared by the server and its clients.
package ecp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// Version is the protocol version reported in handshake payloads.
const Version = "1.0.0"

// Well-known method names owned by the transport core. Everything else is
// routed to a service adapter by method prefix.
const (
	MethodHandshake = "auth/handshake"

	NotifyAuthRequired = "auth/required"
	NotifyConnected    = "server/connected"
)

// Request is a parsed inbound JSON-RPC envelope. Unknown fields are
// tolerated for forward compatibility; only the fields below are
// interpreted.
//
// ID is kept as raw JSON so a response can echo it byte-for-byte,
// regardless of whether the client sent a string or an integer. A nil ID
// marks a notification: the request never expects a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is an outbound JSON-RPC response envelope. Exactly one of
// Result or Error is set; use NewResult or NewErrorResponse.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is an outbound server-initiated envelope. It carries no id
// and never expects a reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a server-initiated notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// NewResult builds a success response echoing the request id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response echoing the request id.
// A nil id marshals as JSON null, per the JSON-RPC 2.0 error rules.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}

// ParseRequest decodes and validates a single inbound frame.
//
// The returned *Error distinguishes the two failure classes the wire
// protocol cares about: malformed JSON (ParseError, respond with id null)
// and a structurally invalid envelope (InvalidRequest, respond with the
// received id when it was recoverable). Extra fields never fail parsing.
func ParseRequest(data []byte) (*Request, *Error) {
	if !utf8.Valid(data) {
		return nil, NewParseError("invalid UTF-8 in frame")
	}

	// Decode into a field map first: a wrong-typed field is a shape
	// error on an otherwise well-formed frame, not a parse error.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, invalidRequest(nil, "request must be a JSON object")
		}
		return nil, NewParseError("invalid JSON: " + err.Error())
	}

	// Recover the id before anything else so shape errors can echo it.
	var id json.RawMessage
	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			// The id itself is unusable; the error response carries id null.
			return nil, invalidRequest(nil, "id must be a string or an integer")
		}
		id = raw
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != "2.0" {
		return nil, invalidRequest(id, `jsonrpc must be "2.0"`)
	}

	var method string
	if raw, ok := fields["method"]; !ok || json.Unmarshal(raw, &method) != nil || method == "" {
		return nil, invalidRequest(id, "method must be a non-empty string")
	}

	return &Request{JSONRPC: version, ID: id, Method: method, Params: fields["params"]}, nil
}

func invalidRequest(id json.RawMessage, msg string) *Error {
	e := NewInvalidRequest(msg)
	e.id = id
	return e
}

// validID reports whether raw is a JSON string or integer. Fractional and
// exponent forms are rejected; JSON null is not a valid id.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	if raw[0] == '"' {
		var s string
		return json.Unmarshal(raw, &s) == nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return false
	}
	s := n.String()
	return !strings.ContainsAny(s, ".eE")
}

// IDString renders a request id for logging. Notifications render as "-".
func IDString(id json.RawMessage) string {
	if len(id) == 0 {
		return "-"
	}
	return string(id)
}
