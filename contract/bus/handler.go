package bus

import "context"

// RequestHandler handles requests of type Q and returns a result of type R.
// Implementations must be safe for concurrent use by multiple goroutines unless they are
// registered per scope.
type RequestHandler[Q Request[R], R any] interface {
	Handle(ctx context.Context, q Q) (R, error)
}

// HandlerFunc adapts a plain function to RequestHandler.
type HandlerFunc[Q Request[R], R any] func(ctx context.Context, q Q) (R, error)

// Handle calls f(ctx, q).
func (f HandlerFunc[Q, R]) Handle(ctx context.Context, q Q) (R, error) { return f(ctx, q) }

// Invoker is the untyped form of a handler as it is resolved from a Scope.
// Invoke returns ErrHandlerTypeMismatch when req is not the request type it was built for.
type Invoker interface {
	Invoke(ctx context.Context, req any) (any, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, req any) (any, error)

// Invoke calls f(ctx, req).
func (f InvokerFunc) Invoke(ctx context.Context, req any) (any, error) { return f(ctx, req) }
