// Package registry is an in-process handler container. It implements
// bus.ResolutionProvider: handlers are registered by request and result type and resolved
// per scope, with per-scope instances released when the scope closes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// ErrNilHandler is returned when registering a nil handler or factory.
var ErrNilHandler = errors.New("registry: nil handler")

// Registry holds handler registrations keyed by HandlerDescriptor.
// Several registrations for one descriptor are accepted; deciding what that means is left
// to the dispatcher.
//
// Registry is safe for concurrent registration and resolution.
type Registry struct {
	mu      sync.RWMutex
	entries map[cbus.HandlerDescriptor][]*registration
	order   []cbus.HandlerDescriptor

	scopes atomic.Uint64
	logger *zap.Logger
}

var _ cbus.ResolutionProvider = (*Registry)(nil)

type registration struct {
	name    string
	shared  cbus.Invoker
	factory func(ctx context.Context) (cbus.Invoker, io.Closer, error)
}

// Binding describes the registrations for one descriptor.
type Binding struct {
	Descriptor cbus.HandlerDescriptor
	Handlers   []string
}

// New creates an empty Registry. logger may be nil.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		entries: make(map[cbus.HandlerDescriptor][]*registration),
		logger:  logger,
	}
}

// Register adds h as a handler for Q. The same instance serves every scope.
func Register[Q cbus.Request[R], R any](r *Registry, h cbus.RequestHandler[Q, R]) error {
	d := cbus.DescriptorFor[Q, R]()
	if h == nil {
		return fmt.Errorf("register %s: %w", d, ErrNilHandler)
	}

	r.add(d, &registration{name: fmt.Sprintf("%T", h), shared: invoker[Q, R]{h: h}}, false)

	return nil
}

// RegisterFunc adds fn as a handler for Q.
func RegisterFunc[Q cbus.Request[R], R any](r *Registry, fn func(ctx context.Context, q Q) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("register %s: %w", cbus.DescriptorFor[Q, R](), ErrNilHandler)
	}

	return Register[Q, R](r, cbus.HandlerFunc[Q, R](fn))
}

// RegisterScoped adds a handler for Q built by factory once per scope, on first
// resolution. If the handler implements io.Closer it is closed with its scope.
func RegisterScoped[Q cbus.Request[R], R any](
	r *Registry,
	factory func(ctx context.Context) (cbus.RequestHandler[Q, R], error),
) error {
	d := cbus.DescriptorFor[Q, R]()
	if factory == nil {
		return fmt.Errorf("register %s: %w", d, ErrNilHandler)
	}

	build := func(ctx context.Context) (cbus.Invoker, io.Closer, error) {
		h, err := factory(ctx)
		if err != nil {
			return nil, nil, err
		}

		if h == nil {
			return nil, nil, ErrNilHandler
		}

		c, _ := h.(io.Closer)

		return invoker[Q, R]{h: h}, c, nil
	}

	r.add(d, &registration{name: fmt.Sprintf("scoped %s", d), factory: build}, true)

	return nil
}

func (r *Registry) add(d cbus.HandlerDescriptor, reg *registration, scoped bool) {
	r.mu.Lock()
	if _, ok := r.entries[d]; !ok {
		r.order = append(r.order, d)
	}

	r.entries[d] = append(r.entries[d], reg)
	n := len(r.entries[d])
	r.mu.Unlock()

	r.logger.Debug("handler registered",
		zap.Stringer("request_type", d.Request),
		zap.Stringer("result_type", d.Result),
		zap.String("handler", reg.name),
		zap.Bool("scoped", scoped),
		zap.Int("handlers", n))
}

func (r *Registry) lookup(d cbus.HandlerDescriptor) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*registration(nil), r.entries[d]...)
}

// Bindings lists every descriptor with its registered handler names, in first
// registration order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.order))

	for _, d := range r.order {
		b := Binding{Descriptor: d}
		for _, reg := range r.entries[d] {
			b.Handlers = append(b.Handlers, reg.name)
		}

		out = append(out, b)
	}

	return out
}

// BeginScope opens a new resolution scope.
func (r *Registry) BeginScope(ctx context.Context) (cbus.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Scope{
		id:        r.scopes.Add(1),
		reg:       r,
		instances: make(map[*registration]cbus.Invoker),
	}, nil
}

// Scope resolves handlers for one dispatch. Scoped handlers are built at most once per
// scope.
type Scope struct {
	id  uint64
	reg *Registry

	mu        sync.Mutex
	closed    bool
	instances map[*registration]cbus.Invoker
	closers   []io.Closer
}

// ID identifies the scope within its registry.
func (s *Scope) ID() uint64 { return s.id }

// ResolveAll returns one invoker per registration for d, in registration order.
func (s *Scope) ResolveAll(ctx context.Context, d cbus.HandlerDescriptor) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("resolve %s: %w", d, berr.ErrScopeClosed)
	}

	regs := s.reg.lookup(d)
	out := make([]any, 0, len(regs))

	for _, reg := range regs {
		inv, err := s.instance(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %s: %w", d, reg.name, err)
		}

		out = append(out, inv)
	}

	return out, nil
}

func (s *Scope) instance(ctx context.Context, reg *registration) (cbus.Invoker, error) {
	if reg.shared != nil {
		return reg.shared, nil
	}

	if inv, ok := s.instances[reg]; ok {
		return inv, nil
	}

	inv, c, err := reg.factory(ctx)
	if err != nil {
		return nil, err
	}

	s.instances[reg] = inv
	if c != nil {
		s.closers = append(s.closers, c)
	}

	return inv, nil
}

// Close closes scoped handlers in reverse creation order. Closing twice is a no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil
	s.instances = nil

	return errors.Join(errs...)
}

// invoker adapts a typed handler to cbus.Invoker.
type invoker[Q cbus.Request[R], R any] struct {
	h cbus.RequestHandler[Q, R]
}

func (i invoker[Q, R]) Invoke(ctx context.Context, req any) (any, error) {
	q, ok := req.(Q)
	if !ok {
		return nil, fmt.Errorf("invoke %s with %T: %w", cbus.DescriptorFor[Q, R](), req, berr.ErrHandlerTypeMismatch)
	}

	return i.h.Handle(ctx, q)
}
