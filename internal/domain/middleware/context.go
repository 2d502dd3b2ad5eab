package middleware

import (
	"encoding/json"

	"github.com/codedeck/ecpd/internal/domain/settings"
)

// CallerType distinguishes human-initiated requests from agent traffic.
type CallerType string

const (
	// CallerHuman marks a request originating from the interactive UI.
	CallerHuman CallerType = "human"
	// CallerAgent marks a request originating from an automated agent.
	CallerAgent CallerType = "agent"
)

// Caller is the server-asserted identity of a request originator. It is
// authoritative: it comes from the connection's handshake state, never
// from request params.
type Caller struct {
	Type        CallerType `json:"type"`
	AgentID     string     `json:"agentId,omitempty"`
	ExecutionID string     `json:"executionId,omitempty"`
	RoleType    string     `json:"roleType,omitempty"`
}

// IsHuman reports whether the caller is the interactive UI.
func (c Caller) IsHuman() bool {
	return c.Type == CallerHuman
}

// Reserved metadata keys. Use the typed accessors on Context instead of
// indexing Metadata directly.
const (
	// MetaSettings holds the per-request settings.Snapshot.
	MetaSettings = "settings"
	// MetaCaller holds the server-asserted Caller.
	MetaCaller = "caller"
)

// Context is the per-request state threaded through the chain. Params
// may be rewritten by earlier middleware; everything else is read-only
// once the chain starts.
type Context struct {
	Method        string
	Params        json.RawMessage
	WorkspaceRoot string
	SessionID     string
	ClientID      string

	// Metadata is the middleware scratch space. The settings and caller
	// keys are reserved; see the typed accessors.
	Metadata map[string]any

	// assertedCaller is the trusted identity supplied by the server at
	// chain entry. The settings-snapshot middleware mirrors it into
	// Metadata so downstream validators share one source of truth.
	assertedCaller Caller
}

// AssertedCaller returns the trusted caller identity supplied by the
// server. Only the settings-snapshot middleware should need this; policy
// middlewares read Caller() from the metadata bag.
func (c *Context) AssertedCaller() Caller {
	return c.assertedCaller
}

// Settings returns the per-request settings snapshot, or an empty
// snapshot when the settings-snapshot middleware has not run.
func (c *Context) Settings() settings.Snapshot {
	if v, ok := c.Metadata[MetaSettings]; ok {
		if snap, ok := v.(settings.Snapshot); ok {
			return snap
		}
	}
	return settings.Snapshot{}
}

// SetSettings stores the per-request settings snapshot.
func (c *Context) SetSettings(snap settings.Snapshot) {
	c.Metadata[MetaSettings] = snap
}

// Caller returns the caller identity from the metadata bag. The second
// return is false when the settings-snapshot middleware has not run.
func (c *Context) Caller() (Caller, bool) {
	v, ok := c.Metadata[MetaCaller]
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// SetCaller stores the caller identity in the metadata bag.
func (c *Context) SetCaller(caller Caller) {
	c.Metadata[MetaCaller] = caller
}
