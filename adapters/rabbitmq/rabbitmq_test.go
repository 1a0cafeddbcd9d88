package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-reply-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

type greeting struct {
	cbus.Returns[string]
	Name string `json:"name"`
}

type fakePublisher struct {
	msgs []rabbitmq.PubMsg
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, m rabbitmq.PubMsg) error {
	f.msgs = append(f.msgs, m)
	return f.err
}

type fakeConsumer struct {
	msgs []rabbitmq.Message
	err  error
}

func (f *fakeConsumer) Next(context.Context) (rabbitmq.Message, error) {
	if len(f.msgs) == 0 {
		if f.err != nil {
			return rabbitmq.Message{}, f.err
		}

		return rabbitmq.Message{}, berr.ErrSourceClosed
	}

	m := f.msgs[0]
	f.msgs = f.msgs[1:]

	return m, nil
}

type acks struct {
	acked  int
	nacked []bool
}

func (a *acks) attach(m rabbitmq.Message) rabbitmq.Message {
	m.Ack = func() error { a.acked++; return nil }
	m.Nack = func(requeue bool) error { a.nacked = append(a.nacked, requeue); return nil }

	return m
}

type tracePropagator struct{}

type traceKey struct{}

func (tracePropagator) Inject(ctx context.Context, h map[string]string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		h["traceparent"] = v
	}
}

func (tracePropagator) Extract(ctx context.Context, h map[string]string) context.Context {
	return context.WithValue(ctx, traceKey{}, h["traceparent"])
}

func newCodec(t *testing.T) *codec.Registry {
	t.Helper()

	cd := codec.New()
	require.NoError(t, codec.Register[greeting](cd, "greeting"))

	return cd
}

func TestRabbitMQ_EnqueueRequest(t *testing.T) {
	fp := &fakePublisher{}
	ad := rabbitmq.New(nil, fp, newCodec(t))

	id, err := ad.EnqueueRequest(t.Context(), greeting{Name: "world"}, cbus.SubmitOptions{
		Queue:   "jobs",
		ReplyTo: "amq.rabbitmq.reply-to",
		Headers: map[string]string{"h": "x"},
	})
	require.NoError(t, err)
	require.Len(t, fp.msgs, 1)

	m := fp.msgs[0]
	assert.Empty(t, m.Exchange)
	assert.Equal(t, "jobs", m.RoutingKey)
	assert.Equal(t, "greeting", m.Type)
	assert.Equal(t, id, m.CorrelationID)
	assert.Equal(t, "amq.rabbitmq.reply-to", m.ReplyTo)
	assert.JSONEq(t, `{"name":"world"}`, string(m.Body))
	assert.Equal(t, "x", m.Headers["h"])
	assert.Equal(t, id, m.Headers[codec.HeaderRequestID])

	_, err = ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "replybus.requests", fp.msgs[1].RoutingKey)
}

func TestRabbitMQ_EnqueueRequest_Errors(t *testing.T) {
	fp := &fakePublisher{err: errors.New("channel closed")}
	ad := rabbitmq.New(nil, fp, newCodec(t))

	_, err := ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	fp.err = context.DeadlineExceeded
	_, err = ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.Equal(t, context.DeadlineExceeded, err)

	_, err = rabbitmq.New(nil, nil, newCodec(t)).EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err = ad.EnqueueRequest(ctx, greeting{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRabbitMQ_PopAndReply(t *testing.T) {
	var a acks

	fc := &fakeConsumer{msgs: []rabbitmq.Message{a.attach(rabbitmq.Message{
		Type:          "greeting",
		CorrelationID: "c-1",
		ReplyTo:       "replies",
		Body:          []byte(`{"name":"world"}`),
		Headers:       map[string]string{"traceparent": "00-abc"},
	})}}
	fp := &fakePublisher{}
	ad := rabbitmq.NewWithPropagator(fc, fp, newCodec(t), tracePropagator{})

	d, err := ad.PopRequest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "world"}, d.Request())

	cd, ok := d.(cbus.ContextualDelivery)
	require.True(t, ok)

	ctx := cd.Context(t.Context())
	assert.Equal(t, "00-abc", ctx.Value(traceKey{}))

	require.NoError(t, d.Reply(ctx, "Hello world", nil))
	require.Len(t, fp.msgs, 1)

	m := fp.msgs[0]
	assert.Equal(t, "replies", m.RoutingKey)
	assert.Equal(t, "c-1", m.CorrelationID)
	assert.Equal(t, "00-abc", m.Headers["traceparent"])

	r, err := codec.DecodeReply(m.Body)
	require.NoError(t, err)

	got, err := codec.ResultAs[string](r)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)
	assert.Equal(t, 1, a.acked)

	_, err = ad.PopRequest(t.Context())
	assert.ErrorIs(t, err, berr.ErrSourceClosed)
}

func TestRabbitMQ_UnknownRequestAnsweredAndSkipped(t *testing.T) {
	var a acks

	fc := &fakeConsumer{msgs: []rabbitmq.Message{
		a.attach(rabbitmq.Message{Type: "nope", MessageID: "m-1", ReplyTo: "replies"}),
		a.attach(rabbitmq.Message{
			Headers: map[string]string{codec.HeaderRequestType: "greeting"},
			Body:    []byte(`{"name":"header"}`),
		}),
	}}
	fp := &fakePublisher{}
	ad := rabbitmq.New(fc, fp, newCodec(t))

	d, err := ad.PopRequest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "header"}, d.Request())

	require.Len(t, fp.msgs, 1)

	r, err := codec.DecodeReply(fp.msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "m-1", r.ID)
	assert.ErrorIs(t, r.Err(), berr.ErrUnknownRequest)
	assert.Equal(t, 1, a.acked)

	// no ReplyTo: ack only
	require.NoError(t, d.Reply(t.Context(), "ignored", nil))
	assert.Len(t, fp.msgs, 1)
	assert.Equal(t, 2, a.acked)
}

func TestRabbitMQ_ReplyPublishFailureNacks(t *testing.T) {
	var a acks

	fc := &fakeConsumer{msgs: []rabbitmq.Message{a.attach(rabbitmq.Message{
		Type: "greeting", CorrelationID: "c", ReplyTo: "replies", Body: []byte(`{}`),
	})}}
	fp := &fakePublisher{err: errors.New("broker gone")}
	ad := rabbitmq.New(fc, fp, newCodec(t))

	d, err := ad.PopRequest(t.Context())
	require.NoError(t, err)

	err = d.Reply(t.Context(), "x", nil)
	assert.ErrorIs(t, err, berr.ErrReplyFailed)
	assert.Zero(t, a.acked)
	assert.Equal(t, []bool{false}, a.nacked)
}

func TestRabbitMQ_ConsumerErrorWrapped(t *testing.T) {
	ad := rabbitmq.New(&fakeConsumer{err: errors.New("conn reset")}, &fakePublisher{}, newCodec(t))

	_, err := ad.PopRequest(t.Context())
	assert.ErrorIs(t, err, berr.ErrTransportFailed)
}
