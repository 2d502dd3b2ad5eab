package system

import (
	"context"
	"testing"

	"github.com/codedeck/ecpd/pkg/ecp"
)

func TestAdapter(t *testing.T) {
	t.Parallel()

	a := New(func() Status {
		return Status{Clients: 3, Authenticated: 2, UptimeSeconds: 60, ServerVersion: "1.0.0"}
	})

	result, rpcErr := a.HandleRequest(context.Background(), "system/status", nil)
	if rpcErr != nil {
		t.Fatalf("status error = %v", rpcErr)
	}
	status := result.(Status)
	if status.Clients != 3 || status.Authenticated != 2 {
		t.Errorf("status = %+v", status)
	}

	result, rpcErr = a.HandleRequest(context.Background(), "system/ping", nil)
	if rpcErr != nil {
		t.Fatalf("ping error = %v", rpcErr)
	}
	if result.(map[string]any)["pong"] != true {
		t.Errorf("ping = %v", result)
	}

	_, rpcErr = a.HandleRequest(context.Background(), "system/reboot", nil)
	if rpcErr == nil || rpcErr.Code != ecp.CodeMethodNotFound {
		t.Errorf("unknown method error = %v, want MethodNotFound", rpcErr)
	}
}
