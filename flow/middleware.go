package flow

import (
	"context"
	"time"
)

// MiddlewareContext is the view a middleware gets of one Execute call.
//
// FlowState is the live instance loaded at entry: middlewares may mutate its
// Context and the core step will see the mutation, but they do not observe
// in-flight context changes made by hooks until next returns.
type MiddlewareContext struct {
	FlowID    string
	Event     string
	FlowState *FlowInstance
	Options   ExecuteOptions
	StartTime time.Time
}

// Next invokes the rest of the chain; at the tail it runs the core execute
// step.
type Next func(ctx context.Context) (*ExecuteResult, error)

// Middleware wraps event execution. Registration order determines nesting:
// the first middleware passed to Use is outermost. A middleware can
// short-circuit by not calling next, observe durations, mutate the flow
// context, replace the result, or return an error. A middleware error is
// treated as an execution failure and triggers compensation.
//
// Re-entering the engine from inside a middleware breaks the single-writer
// rule unless externally serialized.
type Middleware func(ctx context.Context, mc *MiddlewareContext, next Next) (*ExecuteResult, error)

// buildChain nests the middlewares around core, outermost first. The chain
// is rebuilt on every Execute so Use/ClearMiddleware take effect
// immediately.
func buildChain(middlewares []Middleware, mc *MiddlewareContext, core Next) Next {
	next := core
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		inner := next
		next = func(ctx context.Context) (*ExecuteResult, error) {
			return mw(ctx, mc, inner)
		}
	}
	return next
}
