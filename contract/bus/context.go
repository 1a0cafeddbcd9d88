package bus

import "context"

// Context is re-exported for convenience in handler signatures.
type Context = context.Context

// HeaderPropagator moves tracing context across a transport boundary.
// Inject writes the context into outgoing reply headers; Extract restores it from the
// headers of an incoming request before the request is dispatched.
// Implementations may bridge to OpenTelemetry or any other propagation standard and must
// be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
