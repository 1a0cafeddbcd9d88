package replybus

import (
	"context"
	"sync"
)

// Future is the pending outcome of ExecuteAsync. It is completed exactly once.
type Future[R any] struct {
	done chan struct{}
	once sync.Once

	res R
	err error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// complete stores the outcome; later calls are ignored.
func (f *Future[R]) complete(res R, err error) {
	f.once.Do(func() {
		f.res = res
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is available.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is available or ctx is done. Giving up on the wait does
// not cancel the call itself.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
