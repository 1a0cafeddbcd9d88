package bus

import "context"

// ResolutionProvider opens resolution scopes. The dispatcher opens exactly one scope per
// call and never shares it with another call.
type ResolutionProvider interface {
	BeginScope(ctx context.Context) (Scope, error)
}

// Scope resolves handler instances for the lifetime of a single dispatch.
// Objects resolved from a scope may carry call-specific state and must not outlive it.
type Scope interface {
	// ResolveAll returns every registered implementation of the capability d,
	// in a stable order. An empty result is not an error.
	ResolveAll(ctx context.Context, d HandlerDescriptor) ([]any, error)

	// Close releases everything the scope acquired. It is called exactly once.
	Close() error
}
