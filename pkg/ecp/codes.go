package ecp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server status codes (-32000…-32002).
const (
	CodeServerError    = -32000
	CodeServerShutdown = -32001
	CodeServerOverload = -32002
)

// Middleware rejection codes (-32003…-32005).
const (
	CodeValidationFailed = -32003
	CodeLintFailed       = -32004
	CodeRuleViolation    = -32005
)

// Authentication codes (-32010…-32019 band, reserved away from the
// JSON-RPC standard range).
const (
	CodeNotAuthenticated   = -32010
	CodeInvalidToken       = -32011
	CodeHandshakeTimeout   = -32012
	CodeConnectionRejected = -32013
)

// Error is the JSON-RPC error object carried in a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	// id is the request id the error response should echo, when the
	// parser could recover one. Nil means respond with id null.
	id json.RawMessage
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ResponseID returns the request id an error response should carry.
// Nil marshals as JSON null.
func (e *Error) ResponseID() json.RawMessage {
	return e.id
}

// NewError builds an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithData attaches machine-readable context and returns the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// NewParseError builds a ParseError (-32700).
func NewParseError(message string) *Error {
	return NewError(CodeParseError, message)
}

// NewInvalidRequest builds an InvalidRequest error (-32600).
func NewInvalidRequest(message string) *Error {
	return NewError(CodeInvalidRequest, message)
}

// NewMethodNotFound builds a MethodNotFound error (-32601).
func NewMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
}

// NewInternalError builds an InternalError (-32603) with a generic
// message. Details stay in the server log, never on the wire.
func NewInternalError() *Error {
	return NewError(CodeInternalError, "internal server error")
}
