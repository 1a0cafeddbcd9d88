package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

const defaultQueue = "replybus.requests"

// PubMsg is an outgoing AMQP message: a request on its way to a queue or a reply on
// its way back to ReplyTo.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	Type          string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Body          []byte
	Headers       map[string]string
}

// Publisher sends PubMsg values.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Message is an incoming AMQP delivery, decoupled from amqp091-go.
type Message struct {
	Type          string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Body          []byte
	Headers       map[string]string

	Ack  func() error
	Nack func(requeue bool) error
}

// Consumer yields incoming messages. Next returns an error matching ErrSourceClosed
// once the subscription is gone.
type Consumer interface {
	Next(ctx context.Context) (Message, error)
}

// Adapter consumes requests from a queue and publishes replies to each message's
// ReplyTo queue with its correlation id.
type Adapter struct {
	Consumer   Consumer
	Publisher  Publisher
	Codec      *codec.Registry
	Queue      string
	Propagator cbus.HeaderPropagator // optional, for context propagation through headers
	Logger     *zap.Logger
}

var _ cbus.Adapter = (*Adapter)(nil)

func New(c Consumer, p Publisher, cd *codec.Registry) *Adapter {
	return &Adapter{Consumer: c, Publisher: p, Codec: cd, Queue: defaultQueue, Logger: zap.NewNop()}
}

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(c Consumer, p Publisher, cd *codec.Registry, hp cbus.HeaderPropagator) *Adapter {
	a := New(c, p, cd)
	a.Propagator = hp

	return a
}

// EnqueueRequest publishes req to opts.Queue, or the adapter queue, via the default
// exchange.
func (a *Adapter) EnqueueRequest(ctx context.Context, req cbus.AnyRequest, opts cbus.SubmitOptions) (string, error) {
	if err := a.ready(ctx, a.Publisher != nil, "enqueue"); err != nil {
		return "", err
	}

	env, err := a.Codec.EncodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("rabbitmq enqueue: %w", err)
	}

	queue := opts.Queue
	if queue == "" {
		queue = a.queue()
	}

	headers := copyHeaders(opts.Headers, 2)
	headers[codec.HeaderRequestType] = env.Type
	headers[codec.HeaderRequestID] = env.ID

	msg := PubMsg{
		RoutingKey:    queue,
		Type:          env.Type,
		MessageID:     env.ID,
		CorrelationID: env.ID,
		ReplyTo:       opts.ReplyTo,
		Body:          env.Payload,
		Headers:       headers,
	}

	if err := a.publish(ctx, msg, "enqueue"); err != nil {
		return "", err
	}

	return env.ID, nil
}

// PopRequest returns the next decodable request. Messages naming an unknown request
// type or carrying a bad payload are answered with the failure and acknowledged.
func (a *Adapter) PopRequest(ctx context.Context) (cbus.Delivery, error) {
	if err := a.ready(ctx, a.Consumer != nil, "pop"); err != nil {
		return nil, err
	}

	for {
		m, err := a.Consumer.Next(ctx)
		if err != nil {
			if isContextErr(err) || errors.Is(err, berr.ErrSourceClosed) {
				return nil, err
			}

			return nil, fmt.Errorf("rabbitmq pop: %w", errors.Join(berr.ErrTransportFailed, err))
		}

		d := &delivery{adapter: a, msg: m}

		req, err := a.Codec.Decode(requestType(m), m.Body)
		if err != nil {
			a.Logger.Warn("rejecting undecodable request",
				zap.String("transport", "rabbitmq"),
				zap.String("request_type", requestType(m)),
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
	msg     Message
	req     cbus.AnyRequest
}

func (d *delivery) Request() cbus.AnyRequest { return d.req }

func (d *delivery) Context(parent context.Context) context.Context {
	if d.adapter.Propagator == nil {
		return parent
	}

	return d.adapter.Propagator.Extract(parent, d.msg.Headers)
}

// Reply publishes the outcome to ReplyTo, then acks. A message without ReplyTo is
// acked without a reply. A failed publish nacks without requeue.
func (d *delivery) Reply(ctx context.Context, result any, err error) error {
	if d.msg.ReplyTo != "" {
		id := d.msg.CorrelationID
		if id == "" {
			id = d.msg.MessageID
		}

		body, eerr := codec.EncodeReply(id, result, err)
		if eerr != nil {
			d.nack()
			return fmt.Errorf("rabbitmq reply: %w", eerr)
		}

		msg := PubMsg{
			RoutingKey:    d.msg.ReplyTo,
			CorrelationID: id,
			Body:          body,
			Headers:       map[string]string{codec.HeaderRequestID: id},
		}

		if perr := d.adapter.publish(ctx, msg, "reply"); perr != nil {
			d.nack()
			return errors.Join(berr.ErrReplyFailed, perr)
		}
	}

	if d.msg.Ack != nil {
		if aerr := d.msg.Ack(); aerr != nil {
			return fmt.Errorf("rabbitmq ack: %w", errors.Join(berr.ErrReplyFailed, aerr))
		}
	}

	return nil
}

func (d *delivery) nack() {
	if d.msg.Nack != nil {
		_ = d.msg.Nack(false)
	}
}

func (a *Adapter) ready(ctx context.Context, ok bool, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !ok || a.Codec == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrTransportFailed)
	}

	return nil
}

func (a *Adapter) publish(ctx context.Context, m PubMsg, label string) error {
	// copy headers to avoid mutating caller-provided map
	m.Headers = copyHeaders(m.Headers, 4)

	if a.Propagator != nil {
		a.Propagator.Inject(ctx, m.Headers)
	}

	if err := a.Publisher.Publish(ctx, m); err != nil {
		if isContextErr(err) {
			return err
		}

		return fmt.Errorf("rabbitmq %s publish: %w", label, errors.Join(berr.ErrTransportFailed, err))
	}

	return nil
}

func (a *Adapter) queue() string {
	if a.Queue != "" {
		return a.Queue
	}

	return defaultQueue
}

func requestType(m Message) string {
	if m.Type != "" {
		return m.Type
	}

	return m.Headers[codec.HeaderRequestType]
}

func copyHeaders(in map[string]string, extra int) map[string]string {
	h := make(map[string]string, len(in)+extra)
	for k, v := range in {
		h[k] = v
	}

	return h
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	h := amqp.Table{}
	for k, v := range headers {
		h[k] = v
	}

	return h
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		h[k] = fmt.Sprint(v)
	}

	return h
}

func publishing(m PubMsg) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       toTable(m.Headers),
		ContentType:   "application/json",
		Type:          m.Type,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Body:          m.Body,
	}
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

type amqpConsumer struct{ deliveries <-chan amqp.Delivery }

func (c amqpConsumer) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return Message{}, fmt.Errorf("rabbitmq consume: %w", berr.ErrSourceClosed)
		}

		return Message{
			Type:          d.Type,
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			Body:          d.Body,
			Headers:       fromTable(d.Headers),
			Ack:           func() error { return d.Ack(false) },
			Nack:          func(requeue bool) error { return d.Nack(false, requeue) },
		}, nil
	}
}

// NewWithAMQPChannel consumes queue on an existing channel and publishes replies on it.
func NewWithAMQPChannel(ch *amqp.Channel, queue string, cd *codec.Registry) (*Adapter, error) {
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", queue, errors.Join(berr.ErrTransportFailed, err))
	}

	a := New(amqpConsumer{deliveries: deliveries}, amqpChannelPublisher{ch: ch}, cd)
	a.Queue = queue

	return a, nil
}
