package inmemory

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Reply is the outcome delivered back to a submitter.
type Reply struct {
	Result any
	Err    error
}

// Source is a thread-safe channel-backed cbus.RequestSource for tests, examples and
// in-process workers. Requests never leave the process and are not serialized.
type Source struct {
	queue     chan *delivery
	done      chan struct{}
	closeOnce sync.Once
}

// Ensure Source implements the contract.
var _ cbus.RequestSource = (*Source)(nil)

// New creates a Source buffering up to size pending requests. size < 0 is treated as 0.
func New(size int) *Source {
	if size < 0 {
		size = 0
	}

	return &Source{
		queue: make(chan *delivery, size),
		done:  make(chan struct{}),
	}
}

// Submit queues req and returns the channel its reply arrives on. It blocks while the
// buffer is full.
func (s *Source) Submit(ctx context.Context, req cbus.AnyRequest) (<-chan Reply, error) {
	select {
	case <-s.done:
		return nil, fmt.Errorf("inmemory submit %T: %w", req, berr.ErrSourceClosed)
	default:
	}

	d := &delivery{req: req, reply: make(chan Reply, 1)}

	select {
	case s.queue <- d:
		return d.reply, nil
	case <-s.done:
		return nil, fmt.Errorf("inmemory submit %T: %w", req, berr.ErrSourceClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call submits req and waits for its typed reply.
func Call[R any](ctx context.Context, s *Source, req cbus.Request[R]) (R, error) {
	var zero R

	ch, err := s.Submit(ctx, req)
	if err != nil {
		return zero, err
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}

		if r.Result == nil {
			return zero, nil
		}

		out, ok := r.Result.(R)
		if !ok {
			return zero, fmt.Errorf("inmemory call %T: result %T: %w", req, r.Result, berr.ErrHandlerTypeMismatch)
		}

		return out, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// PopRequest returns the next queued request. After Close it drains what is already
// queued, then reports ErrSourceClosed.
func (s *Source) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	select {
	case d := <-s.queue:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}

	select {
	case d := <-s.queue:
		return d, nil
	default:
		return nil, fmt.Errorf("inmemory pop: %w", berr.ErrSourceClosed)
	}
}

// Len reports how many requests are waiting.
func (s *Source) Len() int { return len(s.queue) }

// Close stops accepting requests. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	return nil
}

type delivery struct {
	req   cbus.AnyRequest
	reply chan Reply
	once  sync.Once
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Reply(_ context.Context, result any, err error) error {
	sent := false

	d.once.Do(func() {
		d.reply <- Reply{Result: result, Err: err}
		close(d.reply)

		sent = true
	})

	if !sent {
		return fmt.Errorf("inmemory reply %T: already replied: %w", d.req, berr.ErrReplyFailed)
	}

	return nil
}
