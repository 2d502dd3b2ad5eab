package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/adapter/system"
	"github.com/codedeck/ecpd/internal/config"
	"github.com/codedeck/ecpd/internal/domain/settings"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "server.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() error = %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want %d", got, os.Getpid())
	}
	if got := readPIDFile(filepath.Join(t.TempDir(), "absent.pid")); got != 0 {
		t.Errorf("readPIDFile(absent) = %d, want 0", got)
	}
}

func testServeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Workspace = t.TempDir()
	if err := cfg.SetDefaults(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuildChain_Order(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)
	cfg.Policy.Rules = []config.RuleConfig{
		{Name: "no-env", Expression: `params["path"].endsWith(".env")`},
	}

	chain, err := buildChain(cfg, settings.NewStore(logger), logger)
	if err != nil {
		t.Fatalf("buildChain() error = %v", err)
	}

	want := []string{"settings-snapshot", "caller-telemetry", "working-set-governance", "validation", "policy-rules"}
	got := chain.Names()
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildChain_BadRule(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)
	cfg.Policy.Rules = []config.RuleConfig{{Name: "broken", Expression: "((("}}

	if _, err := buildChain(cfg, settings.NewStore(logger), logger); err == nil {
		t.Error("buildChain() accepted an uncompilable rule")
	}
}

func TestRegisterAdapters_StoreCleanup(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)
	cfg.Store.Enabled = true

	reg := registry.New(nil)
	cleanup, err := registerAdapters(reg, cfg, settings.NewStore(logger), logger, func() system.Status {
		return system.Status{}
	})
	if err != nil {
		t.Fatalf("registerAdapters() error = %v", err)
	}
	if _, ok := reg.Resolve("store/put"); !ok {
		t.Error("store adapter not registered")
	}
	if _, err := os.Stat(cfg.StorePath()); err != nil {
		t.Errorf("store database not created: %v", err)
	}
	cleanup()
}

func TestRegisterAdapters_StoreDisabled(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)

	reg := registry.New(nil)
	cleanup, err := registerAdapters(reg, cfg, settings.NewStore(logger), logger, func() system.Status {
		return system.Status{}
	})
	if err != nil {
		t.Fatalf("registerAdapters() error = %v", err)
	}
	if _, ok := reg.Resolve("store/put"); ok {
		t.Error("store adapter registered with the store disabled")
	}
	cleanup()
}

func TestBuildVerifier_GeneratedToken(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		t.Fatalf("buildVerifier() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Server.Workspace, config.SettingsDir, "token"))
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	token := strings.TrimSpace(string(data))
	if len(token) != 64 {
		t.Errorf("generated token length = %d, want 64 hex chars", len(token))
	}
	if ok, err := verifier.Verify(token); err != nil || !ok {
		t.Errorf("Verify(written token) = %v, %v", ok, err)
	}
}

func TestBuildVerifier_BadHash(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testServeConfig(t)
	cfg.Auth.TokenHash = "md5:whatever"

	if _, err := buildVerifier(cfg, logger); err == nil {
		t.Error("buildVerifier() accepted an unknown hash format")
	}
}
