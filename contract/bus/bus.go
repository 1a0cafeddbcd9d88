package bus

import "context"

// Bus is a minimal, tech-agnostic interface over the reply dispatcher.
//
// Typed helpers remain available via generic functions in the replybus package.
// This interface is intended for consumers that want to depend only on contracts
// (workers, transport entry points).
type Bus interface {
	// Execute resolves the single handler for the runtime type of req, invokes it and
	// returns its result unchanged, or its error unchanged.
	Execute(ctx context.Context, req AnyRequest) (any, error)

	// Close rejects further calls and waits for in-flight asynchronous calls.
	Close() error
}
