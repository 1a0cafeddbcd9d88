package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const (
	defaultQueue       = "replybus:requests"
	defaultReplyTTL    = 5 * time.Minute
	defaultPollTimeout = time.Second
)

// Client is the list subset of Redis the adapter needs.
type Client interface {
	// LPush pushes value onto the head of key.
	LPush(ctx context.Context, key string, value []byte) error
	// BRPop pops the tail of key, waiting up to timeout. ok is false on timeout.
	BRPop(ctx context.Context, key string, timeout time.Duration) (value []byte, ok bool, err error)
	// Expire sets a time to live on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// message is what travels on the request list.
type message struct {
	codec.Envelope
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Adapter implements cbus.Adapter over Redis lists.
type Adapter struct {
	Client      Client
	Codec       *codec.Registry
	Queue       string
	ReplyTTL    time.Duration
	PollTimeout time.Duration
	Logger      *zap.Logger
}

var _ cbus.Adapter = (*Adapter)(nil)

// New creates a Redis adapter with default queue and timeouts.
func New(c Client, cd *codec.Registry) *Adapter {
	return &Adapter{
		Client:      c,
		Codec:       cd,
		Queue:       defaultQueue,
		ReplyTTL:    defaultReplyTTL,
		PollTimeout: defaultPollTimeout,
		Logger:      zap.NewNop(),
	}
}

// ReplyKey is the default reply list for request id.
func (a *Adapter) ReplyKey(id string) string { return a.queue() + ":reply:" + id }

func (a *Adapter) EnqueueRequest(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, error) {
	id, _, err := a.enqueue(ctx, req, opts)
	return id, err
}

func (a *Adapter) enqueue(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, string, error) {
	if err := a.ready(ctx, "enqueue"); err != nil {
		return "", "", err
	}

	env, err := a.Codec.EncodeRequest(req)
	if err != nil {
		return "", "", fmt.Errorf("redis enqueue: %w", err)
	}

	replyTo := opts.ReplyTo
	if replyTo == "" {
		replyTo = a.ReplyKey(env.ID)
	}

	body, err := json.Marshal(message{Envelope: env, ReplyTo: replyTo, Headers: opts.Headers})
	if err != nil {
		return "", "", fmt.Errorf("redis enqueue: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	queue := opts.Queue
	if queue == "" {
		queue = a.queue()
	}

	if err := a.Client.LPush(ctx, queue, body); err != nil {
		return "", "", wrap(err, "enqueue lpush", berr.ErrTransportFailed)
	}

	return env.ID, replyTo, nil
}

// Call enqueues req and waits on its reply key for the typed result.
func Call[R any](ctx context.Context, a *Adapter, req cbus.Request[R]) (R, error) {
	var zero R

	_, replyTo, err := a.enqueue(ctx, req, cbus.SubmitOptions{})
	if err != nil {
		return zero, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		b, ok, err := a.Client.BRPop(ctx, replyTo, a.pollTimeout())
		if err != nil {
			return zero, wrap(err, "call brpop", berr.ErrTransportFailed)
		}

		if !ok {
			continue
		}

		r, err := codec.DecodeReply(b)
		if err != nil {
			return zero, fmt.Errorf("redis call: %w", err)
		}

		return codec.ResultAs[R](r)
	}
}

// PopRequest blocks until a decodable request is queued or ctx is done. Undecodable
// requests are answered with the failure and dropped.
func (a *Adapter) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	if err := a.ready(ctx, "pop"); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b, ok, err := a.Client.BRPop(ctx, a.queue(), a.pollTimeout())
		if err != nil {
			return nil, wrap(err, "pop brpop", berr.ErrTransportFailed)
		}

		if !ok {
			continue
		}

		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			a.warn("dropping malformed request", "", err)
			continue
		}

		d := &delivery{adapter: a, msg: m}

		req, err := a.Codec.Open(m.Envelope)
		if err != nil {
			a.warn("rejecting undecodable request", m.Type, err)

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
	msg     message
	req     cbus.AnyRequest
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Reply(ctx context.Context, result any, err error) error {
	if d.msg.ReplyTo == "" {
		return nil
	}

	body, eerr := codec.EncodeReply(d.msg.ID, result, err)
	if eerr != nil {
		return fmt.Errorf("redis reply: %w", eerr)
	}

	c := d.adapter.Client
	if perr := c.LPush(ctx, d.msg.ReplyTo, body); perr != nil {
		return wrap(perr, "reply lpush", berr.ErrReplyFailed)
	}

	if xerr := c.Expire(ctx, d.msg.ReplyTo, d.adapter.replyTTL()); xerr != nil {
		return wrap(xerr, "reply expire", berr.ErrReplyFailed)
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil || a.Codec == nil {
		return fmt.Errorf("redis %s: %w", label, berr.ErrTransportFailed)
	}

	return nil
}

func (a *Adapter) warn(msg, requestType string, err error) {
	a.Logger.Warn(msg,
		zap.String("transport", "redis"),
		zap.String("request_type", requestType),
		zap.Error(err))
}

func (a *Adapter) queue() string {
	if a.Queue != "" {
		return a.Queue
	}

	return defaultQueue
}

func (a *Adapter) replyTTL() time.Duration {
	if a.ReplyTTL > 0 {
		return a.ReplyTTL
	}

	return defaultReplyTTL
}

func (a *Adapter) pollTimeout() time.Duration {
	if a.PollTimeout > 0 {
		return a.PollTimeout
	}

	return defaultPollTimeout
}

func wrap(err error, label string, base error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("redis %s: %w", label, errors.Join(base, err))
}
