package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Concrete AMQP connection-backed constructor and publisher wrapper with auto-reconnect.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	Queue       string
	Prefetch    int
}

func (c Config) queue() string {
	if c.Queue != "" {
		return c.Queue
	}

	return defaultQueue
}

func dial(cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-reply-bus"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if _, err := ch.QueueDeclare(cfg.queue(), true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

type reconnectingPublisher struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	ready  chan struct{} // closed while ch is usable
	closed chan struct{}
	once   sync.Once
}

func newReconnectingPublisher(cfg Config, logger *zap.Logger) (*reconnectingPublisher, func()) {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go rp.run()

	return rp, rp.close
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	for {
		rp.mu.RLock()
		ch, ready := rp.ch, rp.ready
		rp.mu.RUnlock()

		if ch != nil {
			return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
		}

		select {
		case <-ready:
		case <-rp.closed:
			return fmt.Errorf("rabbitmq publisher: %w", berr.ErrSourceClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (rp *reconnectingPublisher) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := dial(rp.cfg)
		if err != nil {
			rp.logger.Warn("rabbitmq publisher connect failed",
				zap.String("transport", "rabbitmq"),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := min(backoff+jitter/2, maxBackoff)

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second

		rp.mu.Lock()
		rp.conn, rp.ch = conn, ch
		close(rp.ready)
		rp.mu.Unlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rp.closed:
			return
		case aerr := <-notify:
			rp.logger.Warn("rabbitmq publisher connection lost",
				zap.String("transport", "rabbitmq"),
				zap.Any("reason", aerr))

			rp.mu.Lock()
			rp.conn, rp.ch = nil, nil
			rp.ready = make(chan struct{})
			rp.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (rp *reconnectingPublisher) close() {
	rp.once.Do(func() {
		close(rp.closed)

		rp.mu.Lock()
		defer rp.mu.Unlock()

		if rp.ch != nil {
			_ = rp.ch.Close()
			rp.ch = nil
		}

		if rp.conn != nil {
			_ = rp.conn.Close()
			rp.conn = nil
		}
	})
}

// NewWithAMQPConn dials RabbitMQ, declares the request queue and consumes it. Replies go
// through a separate auto-reconnecting publisher. The consumer does not reconnect: when
// its connection drops the adapter reports ErrSourceClosed.
func NewWithAMQPConn(cfg Config, cd *codec.Registry, logger *zap.Logger) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransportFailed)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: rabbitmq connect: %w", berr.ErrTransportFailed, err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("%w: rabbitmq qos: %w", berr.ErrTransportFailed, err)
		}
	}

	deliveries, err := ch.Consume(cfg.queue(), "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: rabbitmq consume: %w", berr.ErrTransportFailed, err)
	}

	pub, closePub := newReconnectingPublisher(cfg, logger)

	ad := New(amqpConsumer{deliveries: deliveries}, pub, cd)
	ad.Queue = cfg.queue()
	ad.Logger = logger

	cleanup := func() {
		closePub()

		if err := errors.Join(ch.Close(), conn.Close()); err != nil {
			logger.Debug("rabbitmq close", zap.Error(err))
		}
	}

	return ad, cleanup, nil
}
