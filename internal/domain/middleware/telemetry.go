package middleware

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// CallerTelemetry records who performed each file mutation. Its Validate
// is a no-op; the work happens in AfterExecute, off the critical path,
// once the response has already been sent.
type CallerTelemetry struct {
	logger   *slog.Logger
	recorded atomic.Int64
}

// NewCallerTelemetry creates the caller-telemetry middleware.
func NewCallerTelemetry(logger *slog.Logger) *CallerTelemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallerTelemetry{logger: logger}
}

// Name implements Middleware.
func (t *CallerTelemetry) Name() string { return "caller-telemetry" }

// Priority implements Middleware.
func (t *CallerTelemetry) Priority() int { return 20 }

// AppliesTo implements Middleware: file mutations only.
func (t *CallerTelemetry) AppliesTo(method string) bool {
	return IsFileMutation(method)
}

// Validate implements Middleware. Always passes.
func (t *CallerTelemetry) Validate(context.Context, *Context) (Result, error) {
	return Allow(), nil
}

// AfterExecute records the caller identity for audit.
func (t *CallerTelemetry) AfterExecute(_ context.Context, mc *Context, _ any) {
	caller, ok := mc.Caller()
	if !ok {
		return
	}
	t.recorded.Add(1)
	t.logger.Info("file mutation",
		"method", mc.Method,
		"caller_type", caller.Type,
		"agent_id", caller.AgentID,
		"session_id", mc.SessionID,
	)
}

// Recorded returns the number of mutations audited so far.
func (t *CallerTelemetry) Recorded() int64 {
	return t.recorded.Load()
}

var (
	_ Middleware    = (*CallerTelemetry)(nil)
	_ AfterExecutor = (*CallerTelemetry)(nil)
)
