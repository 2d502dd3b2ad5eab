package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codedeck/ecpd/internal/adapter/docstore"
	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/adapter/settingsadapter"
	"github.com/codedeck/ecpd/internal/adapter/system"
	"github.com/codedeck/ecpd/internal/config"
	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/governance"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/internal/domain/policy"
	"github.com/codedeck/ecpd/internal/domain/settings"
	"github.com/codedeck/ecpd/internal/domain/validation"
	"github.com/codedeck/ecpd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the ecpd WebSocket server.

Clients connect to ws://<host>:<port>/ws and authenticate with the
shared token via the auth/handshake method. When no token is
configured, one is generated per invocation and written to
<workspace>/.ecpd/token.

Examples:
  # Serve the current directory on the default port
  ecpd serve

  # Serve a specific workspace on port 9000
  ecpd serve --workspace /path/to/project --port 9000

  # Use a fixed token
  ecpd serve --token "$ECPD_TOKEN"`,
	RunE: runServe,
}

var (
	serveHost      string
	servePort      int
	serveWorkspace string
	serveToken     string
	serveStatic    string
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (default 127.0.0.1)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "TCP port (default 7070)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "workspace root (default: current directory)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "shared auth token (default: generated per invocation)")
	serveCmd.Flags().StringVar(&serveStatic, "static-root", "", "serve static files from this directory")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyServeFlags(cfg)
	if err := cfg.SetDefaults(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("config loaded", "file", file)
	}

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	tracingShutdown, err := server.SetupTracing(cfg.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default
	// handling so a second Ctrl+C is an immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	store := settings.NewStore(logger)
	if err := store.LoadFile(cfg.SettingsFile()); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	chain, err := buildChain(cfg, store, logger)
	if err != nil {
		return err
	}
	if err := chain.Init(ctx); err != nil {
		return err
	}
	defer chain.Shutdown(context.Background())

	var srv *server.Server
	reg := registry.New(func(method string, params any) {
		srv.Publish(method, params)
	})
	adapterCleanup, err := registerAdapters(reg, cfg, store, logger, func() system.Status {
		return srv.Status()
	})
	if err != nil {
		return err
	}
	defer adapterCleanup()

	srv = server.New(cfg, logger, reg, chain, verifier)

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	logger.Info("workspace", "root", cfg.Server.Workspace)
	err = srv.Start(ctx)

	if terr := tracingShutdown(context.Background()); terr != nil {
		logger.Warn("trace exporter shutdown failed", "error", terr)
	}
	return err
}

func applyServeFlags(cfg *config.Config) {
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveWorkspace != "" {
		cfg.Server.Workspace = serveWorkspace
	}
	if serveToken != "" {
		cfg.Auth.Token = serveToken
		cfg.Auth.TokenHash = ""
	}
	if serveStatic != "" {
		cfg.Static.Enabled = true
		cfg.Static.Root = serveStatic
	}
}

// buildVerifier resolves the handshake secret. Precedence: configured
// hash, configured plaintext token, generated per-invocation token. A
// generated token is written to <workspace>/.ecpd/token for clients and
// only ever logged masked.
func buildVerifier(cfg *config.Config, logger *slog.Logger) (*auth.Verifier, error) {
	if cfg.Auth.TokenHash != "" {
		if auth.DetectHashType(cfg.Auth.TokenHash) == "unknown" {
			return nil, fmt.Errorf("auth.token_hash has an unrecognized format")
		}
		logger.Info("auth configured from token hash")
		return auth.NewHashVerifier(cfg.Auth.TokenHash), nil
	}

	token := cfg.Auth.Token
	if token == "" {
		generated, err := auth.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		token = generated

		tokenPath := filepath.Join(cfg.Server.Workspace, config.SettingsDir, "token")
		if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write token file: %w", err)
		}
		logger.Info("generated per-invocation token",
			"token", auth.MaskToken(token),
			"file", tokenPath,
		)
	}
	return auth.NewVerifier(token), nil
}

// buildChain assembles the middleware chain in priority order: settings
// snapshot, caller telemetry, working-set governance, validation, and
// the optional CEL policy rules.
func buildChain(cfg *config.Config, store *settings.Store, logger *slog.Logger) (*middleware.Chain, error) {
	chain := middleware.NewChain(logger)
	chain.Register(middleware.NewSettingsSnapshot(store))
	chain.Register(middleware.NewCallerTelemetry(logger))
	chain.Register(governance.New(logger))
	chain.Register(validation.New(nil, nil, logger))

	if len(cfg.Policy.Rules) > 0 {
		rules := make([]policy.Rule, 0, len(cfg.Policy.Rules))
		for _, rc := range cfg.Policy.Rules {
			rules = append(rules, policy.Rule{
				Name:       rc.Name,
				Expression: rc.Expression,
				Message:    rc.Message,
			})
		}
		pm, err := policy.New(rules, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy rules: %w", err)
		}
		chain.Register(pm)
	}
	return chain, nil
}

// registerAdapters wires the bundled adapters into the registry. The
// returned cleanup releases adapter resources and must run on shutdown.
func registerAdapters(reg *registry.Registry, cfg *config.Config, store *settings.Store, logger *slog.Logger, status func() system.Status) (func(), error) {
	cleanup := func() {}
	if err := reg.Register("system/", system.New(status)); err != nil {
		return nil, err
	}
	if err := reg.Register("settings/", settingsadapter.New(store)); err != nil {
		return nil, err
	}
	if cfg.Store.Enabled {
		path := cfg.StorePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		docs, err := docstore.Open(path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open document store: %w", err)
		}
		if err := reg.Register("store/", docs); err != nil {
			_ = docs.Close()
			return nil, err
		}
		cleanup = func() {
			if err := docs.Close(); err != nil {
				logger.Warn("failed to close document store", "error", err)
			}
		}
	}
	return cleanup, nil
}

// parseLogLevel converts a string log level to slog.Level. Unknown
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
