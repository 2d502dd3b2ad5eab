// Package integration exercises the full request path: WebSocket
// transport, auth handshake, middleware chain, adapter dispatch and
// the notification broker working together.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/adapter/settingsadapter"
	"github.com/codedeck/ecpd/internal/adapter/system"
	"github.com/codedeck/ecpd/internal/config"
	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/governance"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/internal/domain/settings"
	"github.com/codedeck/ecpd/internal/domain/validation"
	"github.com/codedeck/ecpd/internal/server"
	"github.com/codedeck/ecpd/pkg/ecp"
)

const testToken = "integration-token-0123456789"

// testLogger returns a logger that writes to stderr at error level
// (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fileAdapter accepts every file/* request that reaches it; the
// middleware chain is what gates.
type fileAdapter struct{}

func (fileAdapter) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, *ecp.Error) {
	return map[string]any{"ok": true, "method": method}, nil
}

type env struct {
	server   *server.Server
	settings *settings.Store
	http     *httptest.Server
	wsURL    string
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Workspace = t.TempDir()
	if err := cfg.SetDefaults(); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := testLogger()
	store := settings.NewStore(logger)

	chain := middleware.NewChain(logger)
	chain.Register(middleware.NewSettingsSnapshot(store))
	chain.Register(middleware.NewCallerTelemetry(logger))
	chain.Register(governance.New(logger))
	chain.Register(validation.New(nil, nil, logger))

	var srv *server.Server
	reg := registry.New(func(method string, params any) {
		srv.Publish(method, params)
	})
	for prefix, adapter := range map[string]registry.Adapter{
		"file/":     fileAdapter{},
		"settings/": settingsadapter.New(store),
		"system/": system.New(func() system.Status {
			return srv.Status()
		}),
	} {
		if err := reg.Register(prefix, adapter); err != nil {
			t.Fatal(err)
		}
	}

	srv = server.New(cfg, logger, reg, chain, auth.NewVerifier(testToken))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{
		server:   srv,
		settings: store,
		http:     ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  map[string]any  `json:"params"`
	Result  map[string]any  `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func read(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func write(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// authenticate performs the handshake, asserting the caller identity
// the middleware chain will see. It consumes auth/required, the
// handshake result and server/connected.
func authenticate(t *testing.T, ws *websocket.Conn, callerJSON string) wireMessage {
	t.Helper()

	if msg := read(t, ws); msg.Method != ecp.NotifyAuthRequired {
		t.Fatalf("first message = %q, want %q", msg.Method, ecp.NotifyAuthRequired)
	}

	params := `{"token":"` + testToken + `","client":{"name":"itest","version":"0.0"}`
	if callerJSON != "" {
		params += `,"caller":` + callerJSON
	}
	params += `}`
	write(t, ws, `{"jsonrpc":"2.0","id":1,"method":"auth/handshake","params":`+params+`}`)

	result := read(t, ws)
	if result.Error != nil {
		return result
	}
	if msg := read(t, ws); msg.Method != ecp.NotifyConnected {
		t.Fatalf("post-handshake message = %q, want %q", msg.Method, ecp.NotifyConnected)
	}
	return result
}

func TestFullPath_HandshakeAndDispatch(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)

	e := newEnv(t, nil)
	ws := dial(t, e.wsURL)

	result := authenticate(t, ws, "")
	if result.Error != nil {
		t.Fatalf("handshake failed: %+v", result.Error)
	}
	if result.Result["workspaceRoot"] == "" {
		t.Error("workspaceRoot missing")
	}

	write(t, ws, `{"jsonrpc":"2.0","id":2,"method":"system/ping"}`)
	if msg := read(t, ws); msg.Error != nil || msg.Result["pong"] != true {
		t.Errorf("system/ping = %+v", msg)
	}

	write(t, ws, `{"jsonrpc":"2.0","id":3,"method":"file/write","params":{"path":"a.go","content":"package a"}}`)
	if msg := read(t, ws); msg.Error != nil {
		t.Errorf("file/write without governance enabled = %+v", msg.Error)
	}

	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()
	e.http.Close()
}

func TestFullPath_InvalidToken(t *testing.T) {
	e := newEnv(t, nil)
	ws := dial(t, e.wsURL)

	if msg := read(t, ws); msg.Method != ecp.NotifyAuthRequired {
		t.Fatalf("first message = %+v", msg)
	}
	write(t, ws, `{"jsonrpc":"2.0","id":1,"method":"auth/handshake","params":{"token":"wrong"}}`)

	msg := read(t, ws)
	if msg.Error == nil || msg.Error.Code != ecp.CodeInvalidToken {
		t.Fatalf("handshake error = %+v, want %d", msg.Error, ecp.CodeInvalidToken)
	}

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !asCloseError(err, &closeErr) || closeErr.Code != server.CloseAuthRejected {
		t.Errorf("close = %v, want code %d", err, server.CloseAuthRejected)
	}
}

func TestFullPath_HandshakeTimeout(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Server.HandshakeTimeout = 100 * time.Millisecond
	})
	ws := dial(t, e.wsURL)

	if msg := read(t, ws); msg.Method != ecp.NotifyAuthRequired {
		t.Fatalf("first message = %+v", msg)
	}

	msg := read(t, ws)
	if msg.Error == nil || msg.Error.Code != ecp.CodeHandshakeTimeout {
		t.Fatalf("timeout = %+v, want %d", msg, ecp.CodeHandshakeTimeout)
	}

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !asCloseError(err, &closeErr) || closeErr.Code != server.CloseAuthTimeout {
		t.Errorf("close = %v, want code %d", err, server.CloseAuthTimeout)
	}
}

func TestFullPath_WorkingSetGovernance(t *testing.T) {
	e := newEnv(t, nil)
	e.settings.Set(governance.KeyEnforcementEnabled, true)
	e.settings.Set(governance.KeyProjectFolders, []any{"src"})

	ws := dial(t, e.wsURL)
	if res := authenticate(t, ws, `{"type":"agent","agentId":"agent-1"}`); res.Error != nil {
		t.Fatalf("handshake failed: %+v", res.Error)
	}

	// Inside the working set: allowed.
	write(t, ws, `{"jsonrpc":"2.0","id":10,"method":"file/write","params":{"path":"src/main.go","content":"x"}}`)
	if msg := read(t, ws); msg.Error != nil {
		t.Fatalf("write inside working set rejected: %+v", msg.Error)
	}

	// Outside: rejected with the machine-readable code and target.
	write(t, ws, `{"jsonrpc":"2.0","id":11,"method":"file/write","params":{"path":"other/x.ts","content":"x"}}`)
	msg := read(t, ws)
	if msg.Error == nil || msg.Error.Code != ecp.CodeValidationFailed {
		t.Fatalf("write outside working set = %+v, want %d", msg.Error, ecp.CodeValidationFailed)
	}
	if msg.Error.Data["code"] != governance.CodeOutsideWorkingSet {
		t.Errorf("data.code = %v, want %s", msg.Error.Data["code"], governance.CodeOutsideWorkingSet)
	}
	target, _ := msg.Error.Data["target"].(string)
	if !strings.HasSuffix(target, "/other/x.ts") {
		t.Errorf("data.target = %q, want .../other/x.ts", target)
	}
}

func TestFullPath_RenameChecksBothSides(t *testing.T) {
	e := newEnv(t, nil)
	e.settings.Set(governance.KeyEnforcementEnabled, true)
	e.settings.Set(governance.KeyProjectFolders, []any{"src"})

	ws := dial(t, e.wsURL)
	if res := authenticate(t, ws, `{"type":"agent","agentId":"agent-1"}`); res.Error != nil {
		t.Fatalf("handshake failed: %+v", res.Error)
	}

	write(t, ws, `{"jsonrpc":"2.0","id":20,"method":"file/rename","params":{"oldPath":"src/a.ts","newPath":"other/b.ts"}}`)
	msg := read(t, ws)
	if msg.Error == nil || msg.Error.Data["code"] != governance.CodeOutsideWorkingSet {
		t.Fatalf("rename across working set boundary = %+v, want %s", msg.Error, governance.CodeOutsideWorkingSet)
	}
	target, _ := msg.Error.Data["target"].(string)
	if !strings.HasSuffix(target, "/other/b.ts") {
		t.Errorf("data.target = %q, want the destination path", target)
	}
}

func TestFullPath_BroadcastReachesAuthenticatedOnly(t *testing.T) {
	e := newEnv(t, nil)

	first := dial(t, e.wsURL)
	if res := authenticate(t, first, ""); res.Error != nil {
		t.Fatalf("handshake failed: %+v", res.Error)
	}

	second := dial(t, e.wsURL)
	if res := authenticate(t, second, ""); res.Error != nil {
		t.Fatalf("handshake failed: %+v", res.Error)
	}

	pending := dial(t, e.wsURL)
	if msg := read(t, pending); msg.Method != ecp.NotifyAuthRequired {
		t.Fatalf("pending first message = %+v", msg)
	}

	// A settings mutation on one client fans out through the broker.
	write(t, first, `{"jsonrpc":"2.0","id":30,"method":"settings/set","params":{"key":"editor.theme","value":"dark"}}`)

	// The mutating client reads its own response before the broadcast;
	// the other authenticated client sees the broadcast directly.
	for _, ws := range []*websocket.Conn{first, second} {
		msg := read(t, ws)
		if msg.Method == "" && len(msg.ID) != 0 {
			msg = read(t, ws)
		}
		if msg.Method != "settings/changed" {
			t.Fatalf("expected settings/changed broadcast, got %+v", msg)
		}
		if key, _ := msg.Params["key"].(string); key != "editor.theme" {
			t.Errorf("broadcast key = %q, want editor.theme", key)
		}
	}

	_ = pending.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := pending.ReadMessage(); err == nil {
		t.Errorf("pending client received %s, want nothing", data)
	}
}

func TestFullPath_ParseErrorDoesNotKillConnection(t *testing.T) {
	e := newEnv(t, nil)
	ws := dial(t, e.wsURL)
	if res := authenticate(t, ws, ""); res.Error != nil {
		t.Fatalf("handshake failed: %+v", res.Error)
	}

	write(t, ws, `{broken`)
	msg := read(t, ws)
	if msg.Error == nil || msg.Error.Code != ecp.CodeParseError {
		t.Fatalf("parse error = %+v", msg.Error)
	}

	// The connection survives and keeps serving.
	write(t, ws, `{"jsonrpc":"2.0","id":40,"method":"system/ping"}`)
	if msg := read(t, ws); msg.Error != nil {
		t.Errorf("request after parse error failed: %+v", msg.Error)
	}
}

func asCloseError(err error, target **websocket.CloseError) bool {
	return errors.As(err, target)
}
