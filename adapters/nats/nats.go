package nats

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const defaultSubject = "replybus.requests"

// Msg is a NATS message, decoupled from any concrete library.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Headers map[string]string
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Next blocks for the next message of the request subscription.
	Next(ctx context.Context) (Msg, error)
	// Request publishes to subject and waits for a single response.
	Request(ctx context.Context, subject string, data []byte, headers map[string]string) (Msg, error)
}

// Adapter implements cbus.Adapter using an injected NATS-like Client.
// Replies go to the message's reply subject, or to its x-reply-to header.
type Adapter struct {
	Client  Client
	Codec   *codec.Registry
	Subject string
	Logger  *zap.Logger
}

// Ensure Adapter implements the combined contract.
var _ cbus.Adapter = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client, cd *codec.Registry) *Adapter {
	return &Adapter{Client: c, Codec: cd, Subject: defaultSubject, Logger: zap.NewNop()}
}

func (a *Adapter) EnqueueRequest(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, error) {
	if err := a.ready(ctx, "enqueue"); err != nil {
		return "", err
	}

	env, headers, err := a.encode(req, opts)
	if err != nil {
		return "", err
	}

	if err := a.Client.Publish(a.subject(opts.Queue), env.Payload, headers); err != nil {
		return "", wrap(err, "enqueue publish", berr.ErrTransportFailed)
	}

	return env.ID, nil
}

// Call sends req over NATS request/reply and decodes the typed result.
func Call[R any](ctx context.Context, a *Adapter, req cbus.Request[R], opts cbus.SubmitOptions) (R, error) {
	var zero R

	if err := a.ready(ctx, "call"); err != nil {
		return zero, err
	}

	env, headers, err := a.encode(req, opts)
	if err != nil {
		return zero, err
	}

	msg, err := a.Client.Request(ctx, a.subject(opts.Queue), env.Payload, headers)
	if err != nil {
		return zero, wrap(err, "call request", berr.ErrTransportFailed)
	}

	reply, err := codec.DecodeReply(msg.Data)
	if err != nil {
		return zero, fmt.Errorf("nats call: %w", err)
	}

	return codec.ResultAs[R](reply)
}

// PopRequest returns the next decodable request. Undecodable messages are answered with
// the failure and skipped.
func (a *Adapter) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	if err := a.ready(ctx, "pop"); err != nil {
		return nil, err
	}

	for {
		m, err := a.Client.Next(ctx)
		if err != nil {
			if errors.Is(err, berr.ErrSourceClosed) {
				return nil, err
			}

			return nil, wrap(err, "next", berr.ErrTransportFailed)
		}

		d := &delivery{adapter: a, msg: m}

		name := m.Headers[codec.HeaderRequestType]

		req, err := a.Codec.Decode(name, m.Data)
		if err != nil {
			a.Logger.Warn("rejecting undecodable request",
				zap.String("transport", "nats"),
				zap.String("request_type", name),
				zap.Error(err))

			if rerr := d.Reply(ctx, nil, err); rerr != nil {
				return nil, rerr
			}

			continue
		}

		d.req = req

		return d, nil
	}
}

type delivery struct {
	adapter *Adapter
	msg     Msg
	req     cbus.AnyRequest
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Reply(_ context.Context, result any, err error) error {
	to := d.msg.Reply
	if to == "" {
		to = d.msg.Headers[codec.HeaderReplyTo]
	}

	if to == "" {
		return nil
	}

	id := d.msg.Headers[codec.HeaderRequestID]

	body, eerr := codec.EncodeReply(id, result, err)
	if eerr != nil {
		return fmt.Errorf("nats reply: %w", eerr)
	}

	if perr := d.adapter.Client.Publish(to, body, map[string]string{codec.HeaderRequestID: id}); perr != nil {
		return wrap(perr, "reply publish", berr.ErrReplyFailed)
	}

	return nil
}

func (a *Adapter) encode(req cbus.AnyRequest, opts cbus.SubmitOptions) (codec.Envelope, map[string]string, error) {
	env, err := a.Codec.EncodeRequest(req)
	if err != nil {
		return codec.Envelope{}, nil, fmt.Errorf("nats encode: %w", err)
	}

	h := make(map[string]string, len(opts.Headers)+3)
	for k, v := range opts.Headers {
		h[k] = v
	}

	h[codec.HeaderRequestType] = env.Type
	h[codec.HeaderRequestID] = env.ID

	if opts.ReplyTo != "" {
		h[codec.HeaderReplyTo] = opts.ReplyTo
	}

	return env, h, nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil || a.Codec == nil {
		return fmt.Errorf("nats %s: %w", label, berr.ErrTransportFailed)
	}

	return nil
}

func (a *Adapter) subject(override string) string {
	switch {
	case override != "":
		return override
	case a.Subject != "":
		return a.Subject
	default:
		return defaultSubject
	}
}

func wrap(err error, label string, base error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("nats %s: %w", label, errors.Join(base, err))
}
