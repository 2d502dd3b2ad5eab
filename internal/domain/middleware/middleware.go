// Package middleware implements the priority-ordered validator chain
// that gates every dispatched request. Middlewares inspect a request
// before its adapter runs, may rewrite params for downstream validators,
// and may observe the final result after a successful dispatch.
package middleware

import (
	"context"
	"encoding/json"
)

// DefaultPriority is used when a middleware does not care about ordering.
// Lower priorities run first.
const DefaultPriority = 100

// Result is the outcome of a single middleware's Validate call.
type Result struct {
	// Allowed gates the request: false stops the chain and rejects.
	Allowed bool

	// Feedback is the human-readable rejection message. Empty on allow.
	Feedback string

	// ModifiedParams, when non-nil, replaces the request params for
	// subsequent middleware and for the adapter.
	ModifiedParams json.RawMessage

	// ErrorCode is the JSON-RPC error code a rejection should carry.
	// Zero falls back to ValidationFailed (-32003).
	ErrorCode int

	// ErrorData is machine-readable rejection context, forwarded in the
	// error response's data field.
	ErrorData any
}

// Allow is the zero-cost pass result.
func Allow() Result {
	return Result{Allowed: true}
}

// Block builds a rejection with the given code and feedback.
func Block(code int, feedback string) Result {
	return Result{ErrorCode: code, Feedback: feedback}
}

// Middleware is a validator on the request path.
type Middleware interface {
	// Name identifies the middleware in rejections and logs.
	Name() string

	// Priority orders the chain; lower runs first.
	Priority() int

	// AppliesTo reports whether the middleware wants to see method.
	AppliesTo(method string) bool

	// Validate inspects the request. Returning an error is equivalent
	// to a rejection with synthetic feedback.
	Validate(ctx context.Context, mc *Context) (Result, error)
}

// Initializer is implemented by middlewares that need start-up work.
type Initializer interface {
	Init(ctx context.Context) error
}

// Shutdowner is implemented by middlewares that need tear-down work.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// AfterExecutor is implemented by middlewares that observe the final
// result of a successful dispatch. Hooks fire after the response has
// been serialized; they cannot alter it.
type AfterExecutor interface {
	AfterExecute(ctx context.Context, mc *Context, result any)
}
