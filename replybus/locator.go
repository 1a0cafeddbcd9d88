package replybus

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Locator turns what a scope resolves for a descriptor into invokable candidates.
// It keeps the scope's order and never filters: cardinality is the dispatcher's call.
type Locator struct{}

// Find resolves every handler registered for d within scope.
// Scope failures are returned unchanged.
func (Locator) Find(ctx context.Context, scope cbus.Scope, d cbus.HandlerDescriptor) ([]cbus.Invoker, error) {
	resolved, err := scope.ResolveAll(ctx, d)
	if err != nil {
		return nil, err
	}

	candidates := make([]cbus.Invoker, 0, len(resolved))

	for _, r := range resolved {
		inv, ok := r.(cbus.Invoker)
		if !ok {
			return nil, fmt.Errorf("resolve %s: %T: %w", d, r, berr.ErrHandlerTypeMismatch)
		}

		candidates = append(candidates, inv)
	}

	return candidates, nil
}
