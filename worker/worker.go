// Package worker pops requests from a RequestSource, executes them on a Bus and replies
// with the outcome.
package worker

import (
	"context"
	"errors"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
	"github.com/next-trace/scg-reply-bus/replybus"
)

const (
	defaultConcurrency = 1
	defaultBackoff     = 500 * time.Millisecond
)

// Worker runs the pop-and-dispatch loop. A failed execution is replied as failed;
// redelivery is left to the source.
type Worker struct {
	Source      cbus.RequestSource
	Bus         cbus.Bus
	Concurrency int
	Logger      *zap.Logger

	// Backoff is the pause after a pop error. Defaults to 500ms.
	Backoff time.Duration

	processed   atomic.Uint64
	failed      atomic.Uint64
	replyFailed atomic.Uint64
}

// Stats are counters since the worker was created.
type Stats struct {
	Processed   uint64
	Failed      uint64
	ReplyFailed uint64
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		ReplyFailed: w.replyFailed.Load(),
	}
}

// Run pops and executes deliveries until ctx is done or the source is closed. It returns
// once every delivery already popped has been replied to. Executions in flight are not
// canceled when ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.Source == nil || w.Bus == nil {
		return errors.New("worker: source and bus are required")
	}

	log := w.logger()
	n := w.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}

	sem := make(chan struct{}, n)

	log.Info("worker started", zap.Int("concurrency", n))
	defer log.Info("worker stopped")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		d, err := w.Source.PopRequest(ctx)
		if err != nil {
			<-sem

			switch {
			case errors.Is(err, berr.ErrSourceClosed):
				return nil
			case ctx.Err() != nil:
				return nil
			}

			log.Warn("pop request failed", zap.Error(err))

			if !sleep(ctx, w.backoff()) {
				return nil
			}

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			w.handle(context.WithoutCancel(ctx), d)
		}()
	}
}

func (w *Worker) handle(ctx context.Context, d cbus.Delivery) {
	req := d.Request()
	log := w.logger()

	execCtx := ctx
	if cd, ok := d.(cbus.ContextualDelivery); ok {
		execCtx = cd.Context(ctx)
	}

	res, err := w.execute(execCtx, req)

	w.processed.Add(1)

	if err != nil {
		w.failed.Add(1)
		log.Debug("request failed",
			zap.String("request_type", typeName(req)),
			zap.String("code", berr.CodeOf(err)),
			zap.Error(err))
	}

	if rerr := d.Reply(ctx, res, err); rerr != nil {
		w.replyFailed.Add(1)
		log.Error("reply failed",
			zap.String("request_type", typeName(req)),
			zap.Error(rerr))
	}
}

func (w *Worker) execute(ctx context.Context, req cbus.AnyRequest) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, &replybus.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	if t, ok := req.(cbus.Timeoutable); ok && !cbus.IsNil(req) && t.Timeout() > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, t.Timeout())
		defer cancel()
	}

	return w.Bus.Execute(ctx, req)
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}

	return w.Logger
}

func (w *Worker) backoff() time.Duration {
	if w.Backoff > 0 {
		return w.Backoff
	}

	return defaultBackoff
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func typeName(req cbus.AnyRequest) string {
	if req == nil {
		return "<nil>"
	}

	return reflect.TypeOf(req).String()
}
