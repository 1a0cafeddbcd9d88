package replybus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// InvokeFunc is the invocation step of a dispatch, after resolution succeeded.
type InvokeFunc func(ctx context.Context, req cbus.AnyRequest) (any, error)

// Middleware wraps the invocation of the resolved handler. Middlewares are executed in
// registration order and never see requests that failed resolution.
type Middleware func(next InvokeFunc) InvokeFunc

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware registers global invocation middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(d *Dispatcher) { d.mw = append(d.mw, mw...) }
}

// WithPhaseHook installs an observer for phase transitions.
func WithPhaseHook(h PhaseHook) Option {
	return func(d *Dispatcher) { d.hook = h }
}

// Dispatcher executes requests against the single handler registered for their runtime
// type. It holds no per-call state; every call gets its own scope.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	provider cbus.ResolutionProvider
	locator  Locator
	mw       []Middleware
	hook     PhaseHook
	logger   *zap.Logger

	// mu orders closing against ExecuteAsync registering in-flight work.
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

var _ cbus.Bus = (*Dispatcher)(nil)

// New constructs a Dispatcher resolving handlers through provider. logger may be nil.
func New(provider cbus.ResolutionProvider, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		provider: provider,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Execute dispatches req and returns the handler's result unchanged.
func (d *Dispatcher) Execute(ctx context.Context, req cbus.AnyRequest) (any, error) {
	return d.ExecuteWithMiddleware(ctx, req)
}

// ExecuteWithMiddleware dispatches req with additional per-call middleware, run after the
// global ones.
func (d *Dispatcher) ExecuteWithMiddleware(ctx context.Context, req cbus.AnyRequest, mws ...Middleware) (any, error) {
	if d.isClosed() {
		return nil, fmt.Errorf("execute %T: %w", req, berr.ErrBusClosed)
	}

	return d.execute(ctx, req, mws...)
}

// Close rejects further calls and waits for in-flight ExecuteAsync calls to complete.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()

	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.closed
}

func (d *Dispatcher) execute(ctx context.Context, req cbus.AnyRequest, mws ...Middleware) (res any, err error) {
	if cbus.IsNil(req) {
		return nil, fmt.Errorf("execute %T: %w", req, berr.ErrNilRequest)
	}

	desc := cbus.DescriptorOf(req)
	d.enter(ctx, PhaseStarted, desc)
	d.enter(ctx, PhaseResolving, desc)

	scope, err := d.provider.BeginScope(ctx)
	if err != nil {
		d.enter(ctx, PhaseResolveFailed, desc)
		return nil, err
	}

	defer func() {
		cerr := scope.Close()
		if cerr == nil {
			return
		}

		if err == nil {
			res, err = nil, cerr
			return
		}

		d.logger.Warn("scope close failed after handler error",
			zap.Stringer("request_type", desc.Request),
			zap.NamedError("close_error", cerr))
	}()

	candidates, err := d.locator.Find(ctx, scope, desc)
	if err != nil {
		d.enter(ctx, PhaseResolveFailed, desc)
		return nil, err
	}

	switch n := len(candidates); n {
	case 0:
		d.enter(ctx, PhaseHandlerMissing, desc)
		return nil, &HandlerMissingError{Descriptor: desc}
	case 1:
	default:
		d.enter(ctx, PhaseHandlerAmbiguous, desc)
		return nil, &HandlerAmbiguousError{Descriptor: desc, Count: n}
	}

	d.enter(ctx, PhaseInvoking, desc)

	res, err = d.chain(candidates[0], mws)(ctx, req)
	if err != nil {
		d.enter(ctx, PhaseHandlerFailed, desc)
		return nil, err
	}

	d.enter(ctx, PhaseSucceeded, desc)

	return res, nil
}

// chain builds the invocation so the first registered middleware runs first.
func (d *Dispatcher) chain(h cbus.Invoker, mws []Middleware) InvokeFunc {
	final := InvokeFunc(func(ctx context.Context, req cbus.AnyRequest) (any, error) {
		return h.Invoke(ctx, req)
	})

	all := make([]Middleware, 0, len(d.mw)+len(mws))
	all = append(all, d.mw...)
	all = append(all, mws...)

	for i := len(all) - 1; i >= 0; i-- {
		final = all[i](final)
	}

	return final
}

func (d *Dispatcher) enter(ctx context.Context, p Phase, desc cbus.HandlerDescriptor) {
	if ce := d.logger.Check(zap.DebugLevel, "dispatch"); ce != nil {
		ce.Write(
			zap.Stringer("phase", p),
			zap.Stringer("request_type", desc.Request),
			zap.Stringer("result_type", desc.Result),
		)
	}

	if d.hook != nil {
		d.hook(ctx, p, desc)
	}
}

// Execute dispatches req through d and returns the typed result.
func Execute[R any](ctx context.Context, d *Dispatcher, req cbus.Request[R]) (R, error) {
	res, err := d.Execute(ctx, req)
	return typed[R](req, res, err)
}

// ExecuteAsync dispatches req on its own goroutine. Handler errors reach the future
// unchanged; a panic is recovered into *PanicError.
func ExecuteAsync[R any](ctx context.Context, d *Dispatcher, req cbus.Request[R]) *Future[R] {
	f := newFuture[R]()

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()

		var zero R
		f.complete(zero, fmt.Errorf("execute %T: %w", req, berr.ErrBusClosed))

		return f
	}

	d.inflight.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.inflight.Done()

		var (
			res R
			err error
		)

		defer func() {
			if p := recover(); p != nil {
				var zero R
				res, err = zero, &PanicError{Value: p, Stack: debug.Stack()}
			}

			f.complete(res, err)
		}()

		raw, xerr := d.execute(ctx, req)
		res, err = typed[R](req, raw, xerr)
	}()

	return f
}

func typed[R any](req cbus.AnyRequest, res any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}

	if res == nil {
		return zero, nil
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("execute %s: result %T: %w",
			cbus.DescriptorOf(req), res, berr.ErrHandlerTypeMismatch)
	}

	return r, nil
}
