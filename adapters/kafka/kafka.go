package kafka

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const defaultTopic = "replybus.requests"

// Record is a Kafka record, decoupled from any client library.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string

	raw any
}

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Reader yields records of the request topic and commits them once handled.
type Reader interface {
	Read(ctx context.Context) (Record, error)
	Commit(ctx context.Context, rec Record) error
}

// Adapter implements cbus.Adapter over an injected Reader and Writer. Requests are keyed
// by request id; replies are produced to the topic named by the request's x-reply-to
// header with the same key.
type Adapter struct {
	Reader Reader
	Writer Writer
	Codec  *codec.Registry
	Topic  string
	Logger *zap.Logger
}

var _ cbus.Adapter = (*Adapter)(nil)

// New creates a new Kafka adapter instance.
func New(r Reader, w Writer, cd *codec.Registry) *Adapter {
	return &Adapter{Reader: r, Writer: w, Codec: cd, Topic: defaultTopic, Logger: zap.NewNop()}
}

func (a *Adapter) EnqueueRequest(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if a.Writer == nil || a.Codec == nil {
		return "", fmt.Errorf("kafka enqueue: %w", berr.ErrTransportFailed)
	}

	env, err := a.Codec.EncodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("kafka enqueue: %w", err)
	}

	topic := opts.Queue
	if topic == "" {
		topic = a.topic()
	}

	headers := make(map[string]string, len(opts.Headers)+3)
	for k, v := range opts.Headers {
		headers[k] = v
	}

	headers[codec.HeaderRequestType] = env.Type
	headers[codec.HeaderRequestID] = env.ID

	if opts.ReplyTo != "" {
		headers[codec.HeaderReplyTo] = opts.ReplyTo
	}

	if err = a.Writer.Write(ctx, topic, []byte(env.ID), env.Payload, headers); err != nil {
		if isContextErr(err) {
			return "", err
		}

		// separate return from preceding multi-line block (wsl)
		return "", fmt.Errorf("kafka enqueue write: %w", errors.Join(berr.ErrTransportFailed, err))
	}

	return env.ID, nil
}

// PopRequest reads the next decodable request. Undecodable records are answered with
// the failure and committed.
func (a *Adapter) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.Reader == nil || a.Codec == nil {
		return nil, fmt.Errorf("kafka pop: %w", berr.ErrTransportFailed)
	}

	for {
		rec, err := a.Reader.Read(ctx)
		if err != nil {
			if isContextErr(err) || errors.Is(err, berr.ErrSourceClosed) {
				return nil, err
			}

			return nil, fmt.Errorf("kafka read: %w", errors.Join(berr.ErrTransportFailed, err))
		}

		d := &delivery{adapter: a, rec: rec}

		name := rec.Headers[codec.HeaderRequestType]

		req, err := a.Codec.Decode(name, rec.Value)
		if err != nil {
			a.Logger.Warn("rejecting undecodable request",
				zap.String("transport", "kafka"),
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
	rec     Record
	req     cbus.AnyRequest
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Reply(ctx context.Context, result any, err error) error {
	if replyTo := d.rec.Headers[codec.HeaderReplyTo]; replyTo != "" && d.adapter.Writer != nil {
		id := d.rec.Headers[codec.HeaderRequestID]
		if id == "" {
			id = string(d.rec.Key)
		}

		body, eerr := codec.EncodeReply(id, result, err)
		if eerr != nil {
			return fmt.Errorf("kafka reply: %w", eerr)
		}

		headers := map[string]string{codec.HeaderRequestID: id}
		if werr := d.adapter.Writer.Write(ctx, replyTo, []byte(id), body, headers); werr != nil {
			return fmt.Errorf("kafka reply to %q: %w", replyTo, errors.Join(berr.ErrReplyFailed, werr))
		}
	}

	if cerr := d.adapter.Reader.Commit(ctx, d.rec); cerr != nil {
		return fmt.Errorf("kafka commit: %w", errors.Join(berr.ErrReplyFailed, cerr))
	}

	return nil
}

func (a *Adapter) topic() string {
	if a.Topic != "" {
		return a.Topic
	}

	return defaultTopic
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
