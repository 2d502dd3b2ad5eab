// Package system provides the built-in adapter for the "system/" method
// prefix: liveness ping and operational status.
package system

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codedeck/ecpd/pkg/ecp"
)

// Status is the operational view the adapter reports. The server
// supplies it through a callback so the adapter stays decoupled from
// the connection manager.
type Status struct {
	Clients       int    `json:"clients"`
	Authenticated int    `json:"authenticated"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkspaceRoot string `json:"workspaceRoot"`
	ServerVersion string `json:"serverVersion"`
}

// Adapter serves system/ping and system/status.
type Adapter struct {
	status func() Status
}

// New creates the system adapter.
func New(status func() Status) *Adapter {
	return &Adapter{status: status}
}

// HandleRequest implements registry.Adapter.
func (a *Adapter) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, *ecp.Error) {
	switch method {
	case "system/ping":
		return map[string]any{"pong": true, "time": time.Now().UTC().Format(time.RFC3339)}, nil
	case "system/status":
		return a.status(), nil
	default:
		return nil, ecp.NewMethodNotFound(method)
	}
}
