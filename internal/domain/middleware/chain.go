package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/codedeck/ecpd/pkg/ecp"
)

// Request carries the per-request inputs the chain needs to build a
// Context. Caller is the server-asserted identity from the owning
// connection's handshake state.
type Request struct {
	Method        string
	Params        json.RawMessage
	WorkspaceRoot string
	SessionID     string
	ClientID      string
	Caller        Caller
}

// Outcome is the result of running the full chain for one request.
type Outcome struct {
	Allowed     bool
	BlockedBy   string
	Feedback    string
	ErrorCode   int
	ErrorData   any
	FinalParams json.RawMessage

	// Context is the chain context, retained so AfterExecute hooks see
	// the same metadata the validators produced.
	Context *Context
}

// Chain is the priority-ordered middleware list. Registration re-sorts
// on every insertion; the sort is stable, so equal priorities keep their
// registration order. The list is mutated at start-up and read on the
// hot path, so it is guarded by a reader-preferring lock.
type Chain struct {
	mu     sync.RWMutex
	list   []Middleware
	logger *slog.Logger
}

// NewChain creates an empty middleware chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Register appends a middleware and re-sorts the chain by priority.
func (c *Chain) Register(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, m)
	sort.SliceStable(c.list, func(i, j int) bool {
		return c.list[i].Priority() < c.list[j].Priority()
	})
	c.logger.Debug("middleware registered", "name", m.Name(), "priority", m.Priority())
}

// Unregister removes the middleware with the given name. Returns false
// when no middleware with that name is registered. Order of the
// remaining entries is unchanged.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.list {
		if m.Name() == name {
			c.list = append(c.list[:i], c.list[i+1:]...)
			return true
		}
	}
	return false
}

// Names returns the middleware names in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.list))
	for i, m := range c.list {
		names[i] = m.Name()
	}
	return names
}

// Init runs the Init hook of every middleware that has one, in chain
// order. The first failure aborts.
func (c *Chain) Init(ctx context.Context) error {
	for _, m := range c.snapshot() {
		init, ok := m.(Initializer)
		if !ok {
			continue
		}
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("middleware %s init failed: %w", m.Name(), err)
		}
	}
	return nil
}

// Shutdown runs the Shutdown hook of every middleware that has one.
// Failures are logged, not propagated: shutdown always completes.
func (c *Chain) Shutdown(ctx context.Context) {
	for _, m := range c.snapshot() {
		sd, ok := m.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(ctx); err != nil {
			c.logger.Warn("middleware shutdown failed", "name", m.Name(), "error", err)
		}
	}
}

// Run executes the chain for one request. Each applicable middleware is
// validated in priority order; a ModifiedParams result rewrites the
// params seen by later middleware. The first rejection stops the chain.
// A Validate error or panic is treated as a rejection with synthetic
// feedback, never as a server fault.
func (c *Chain) Run(ctx context.Context, req Request) *Outcome {
	mc := &Context{
		Method:         req.Method,
		Params:         req.Params,
		WorkspaceRoot:  req.WorkspaceRoot,
		SessionID:      req.SessionID,
		ClientID:       req.ClientID,
		Metadata:       make(map[string]any),
		assertedCaller: req.Caller,
	}

	for _, m := range c.snapshot() {
		if !m.AppliesTo(req.Method) {
			continue
		}

		result, err := c.validate(ctx, m, mc)
		if err != nil {
			c.logger.Warn("middleware error", "name", m.Name(), "method", req.Method, "error", err)
			return &Outcome{
				BlockedBy:   m.Name(),
				Feedback:    "Middleware error: " + err.Error(),
				ErrorCode:   ecp.CodeValidationFailed,
				FinalParams: mc.Params,
				Context:     mc,
			}
		}

		if result.ModifiedParams != nil {
			mc.Params = result.ModifiedParams
		}

		if !result.Allowed {
			code := result.ErrorCode
			if code == 0 {
				code = ecp.CodeValidationFailed
			}
			c.logger.Info("request blocked by middleware",
				"name", m.Name(),
				"method", req.Method,
				"session_id", req.SessionID,
			)
			return &Outcome{
				BlockedBy:   m.Name(),
				Feedback:    result.Feedback,
				ErrorCode:   code,
				ErrorData:   result.ErrorData,
				FinalParams: mc.Params,
				Context:     mc,
			}
		}
	}

	return &Outcome{
		Allowed:     true,
		FinalParams: mc.Params,
		Context:     mc,
	}
}

// validate calls m.Validate with panic containment. A panicking
// middleware must not take down the connection's read loop.
func (c *Chain) validate(ctx context.Context, m Middleware, mc *Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Validate(ctx, mc)
}

// AfterExecute fires the AfterExecute hook of every applicable
// middleware with the final adapter result. The response has already
// been sent; hooks observe, they do not alter.
func (c *Chain) AfterExecute(ctx context.Context, mc *Context, result any) {
	for _, m := range c.snapshot() {
		if !m.AppliesTo(mc.Method) {
			continue
		}
		hook, ok := m.(AfterExecutor)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("afterExecute panic", "name", m.Name(), "panic", r)
				}
			}()
			hook.AfterExecute(ctx, mc, result)
		}()
	}
}

// snapshot copies the list under the read lock so the hot path never
// holds the lock across middleware calls.
func (c *Chain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Middleware(nil), c.list...)
}
