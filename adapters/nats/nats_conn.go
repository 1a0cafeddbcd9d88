package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	Subject       string
	// QueueGroup load-balances requests across workers subscribed with the same group.
	QueueGroup string
}

type natsClient struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func toMsg(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := &nats.Msg{Subject: subject, Data: data}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	return msg
}

func fromMsg(m *nats.Msg) Msg {
	h := make(map[string]string, len(m.Header))
	for k := range m.Header {
		h[k] = m.Header.Get(k)
	}

	return Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data, Headers: h}
}

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	if err := c.nc.PublishMsg(toMsg(subject, data, headers)); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Next(ctx context.Context) (Msg, error) {
	m, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return Msg{}, fmt.Errorf("nats subscription: %w", errors.Join(berr.ErrSourceClosed, err))
		}

		return Msg{}, err
	}

	return fromMsg(m), nil
}

func (c natsClient) Request(ctx context.Context, subject string, data []byte, headers map[string]string) (Msg, error) {
	m, err := c.nc.RequestMsgWithContext(ctx, toMsg(subject, data, headers))
	if err != nil {
		return Msg{}, err
	}

	return fromMsg(m), nil
}

// NewWithNATS creates a real NATS connection subscribed to the request subject and
// returns an Adapter and a cleanup.
func NewWithNATS(cfg Config, cd *codec.Registry, logger *zap.Logger) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrTransportFailed)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransportFailed, err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	var sub *nats.Subscription
	if cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribeSync(subject, cfg.QueueGroup)
	} else {
		sub, err = nc.SubscribeSync(subject)
	}

	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("%w: nats subscribe %s: %w", berr.ErrTransportFailed, subject, err)
	}

	ad := New(natsClient{nc: nc, sub: sub}, cd)
	ad.Subject = subject
	ad.Logger = logger

	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return ad, cleanup, nil
}
