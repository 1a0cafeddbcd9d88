package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-reply-bus/adapters/kafka"
	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

type greeting struct {
	cbus.Returns[string]
	Name string `json:"name"`
}

type written struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	calls []written
	err   error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.calls = append(f.calls, written{topic, key, value, headers})
	return f.err
}

type fakeReader struct {
	recs      []kafka.Record
	committed []kafka.Record
	err       error
}

func (f *fakeReader) Read(context.Context) (kafka.Record, error) {
	if len(f.recs) == 0 {
		if f.err != nil {
			return kafka.Record{}, f.err
		}

		return kafka.Record{}, berr.ErrSourceClosed
	}

	r := f.recs[0]
	f.recs = f.recs[1:]

	return r, nil
}

func (f *fakeReader) Commit(_ context.Context, rec kafka.Record) error {
	f.committed = append(f.committed, rec)
	return nil
}

func newCodec(t *testing.T) *codec.Registry {
	t.Helper()

	cd := codec.New()
	require.NoError(t, codec.Register[greeting](cd, "greeting"))

	return cd
}

func TestKafka_EnqueueRequest(t *testing.T) {
	fw := &fakeWriter{}
	ad := kafka.New(nil, fw, newCodec(t))

	id, err := ad.EnqueueRequest(t.Context(), greeting{Name: "world"}, cbus.SubmitOptions{
		ReplyTo: "replies.svc-a",
		Headers: map[string]string{"h": "x"},
	})
	require.NoError(t, err)
	require.Len(t, fw.calls, 1)

	c := fw.calls[0]
	assert.Equal(t, "replybus.requests", c.topic)
	assert.Equal(t, id, string(c.key))
	assert.JSONEq(t, `{"name":"world"}`, string(c.value))
	assert.Equal(t, map[string]string{
		"h":                     "x",
		codec.HeaderRequestType: "greeting",
		codec.HeaderRequestID:   id,
		codec.HeaderReplyTo:     "replies.svc-a",
	}, c.headers)

	_, err = ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{Queue: "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", fw.calls[1].topic)
	assert.NotContains(t, fw.calls[1].headers, codec.HeaderReplyTo)
}

func TestKafka_EnqueueRequest_Errors(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	ad := kafka.New(nil, fw, newCodec(t))

	_, err := ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	fw.err = context.Canceled
	_, err = ad.EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.Equal(t, context.Canceled, err)

	_, err = kafka.New(nil, nil, newCodec(t)).EnqueueRequest(t.Context(), greeting{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	type unregistered struct{ cbus.Returns[int] }

	_, err = kafka.New(nil, &fakeWriter{}, newCodec(t)).EnqueueRequest(t.Context(), unregistered{}, cbus.SubmitOptions{})
	assert.ErrorIs(t, err, berr.ErrUnknownRequest)
}

func TestKafka_PopAndReply(t *testing.T) {
	fr := &fakeReader{recs: []kafka.Record{
		{
			Topic: "replybus.requests",
			Key:   []byte("bad"),
			Headers: map[string]string{
				codec.HeaderRequestType: "greeting",
				codec.HeaderReplyTo:     "replies",
			},
			Value: []byte(`{"name":`),
		},
		{
			Topic: "replybus.requests",
			Key:   []byte("r-1"),
			Headers: map[string]string{
				codec.HeaderRequestType: "greeting",
				codec.HeaderRequestID:   "r-1",
				codec.HeaderReplyTo:     "replies",
			},
			Value: []byte(`{"name":"world"}`),
		},
		{
			Key:     []byte("r-2"),
			Headers: map[string]string{codec.HeaderRequestType: "greeting"},
			Value:   []byte(`{}`),
		},
	}}
	fw := &fakeWriter{}
	ad := kafka.New(fr, fw, newCodec(t))

	d, err := ad.PopRequest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "world"}, d.Request())

	require.Len(t, fw.calls, 1, "the undecodable record is answered")

	bad, err := codec.DecodeReply(fw.calls[0].value)
	require.NoError(t, err)
	assert.Equal(t, "bad", bad.ID)
	assert.ErrorIs(t, bad.Err(), berr.ErrSerializationFailed)

	require.NoError(t, d.Reply(t.Context(), "Hello world", nil))
	require.Len(t, fw.calls, 2)
	assert.Equal(t, "replies", fw.calls[1].topic)
	assert.Equal(t, "r-1", string(fw.calls[1].key))

	r, err := codec.DecodeReply(fw.calls[1].value)
	require.NoError(t, err)

	got, err := codec.ResultAs[string](r)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)

	// fire and forget: committed, no reply produced
	d, err = ad.PopRequest(t.Context())
	require.NoError(t, err)
	require.NoError(t, d.Reply(t.Context(), nil, errors.New("ignored")))
	assert.Len(t, fw.calls, 2)
	assert.Len(t, fr.committed, 3)

	_, err = ad.PopRequest(t.Context())
	assert.ErrorIs(t, err, berr.ErrSourceClosed)
}

func TestKafka_ReadErrorWrapped(t *testing.T) {
	ad := kafka.New(&fakeReader{err: errors.New("coordinator moved")}, &fakeWriter{}, newCodec(t))

	_, err := ad.PopRequest(t.Context())
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	ad = kafka.New(&fakeReader{err: context.DeadlineExceeded}, &fakeWriter{}, newCodec(t))

	_, err = ad.PopRequest(t.Context())
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestKafka_ReplyWriteFailure(t *testing.T) {
	fr := &fakeReader{recs: []kafka.Record{{
		Key:     []byte("r"),
		Headers: map[string]string{codec.HeaderRequestType: "greeting", codec.HeaderReplyTo: "replies"},
		Value:   []byte(`{}`),
	}}}
	ad := kafka.New(fr, &fakeWriter{err: errors.New("broker down")}, newCodec(t))

	d, err := ad.PopRequest(t.Context())
	require.NoError(t, err)

	assert.ErrorIs(t, d.Reply(t.Context(), "x", nil), berr.ErrReplyFailed)
	assert.Empty(t, fr.committed, "uncommitted records are redelivered")
}

func TestNewWithKgo_Validation(t *testing.T) {
	_, _, err := kafka.NewWithKgo(kafka.Config{}, codec.New(), nil)
	assert.ErrorIs(t, err, berr.ErrTransportFailed)

	_, _, err = kafka.NewWithKgo(kafka.Config{Brokers: []string{"localhost:9092"}}, codec.New(), nil)
	assert.ErrorIs(t, err, berr.ErrTransportFailed)
}

func TestKafka_UndecodableWithoutLogger(t *testing.T) {
	fr := &fakeReader{recs: []kafka.Record{{
		Key:     []byte("bad"),
		Headers: map[string]string{codec.HeaderRequestType: "nope"},
	}}}

	ad := kafka.New(fr, &fakeWriter{}, newCodec(t))
	require.NotNil(t, ad.Logger)

	assert.NotPanics(t, func() {
		_, err := ad.PopRequest(t.Context())
		assert.ErrorIs(t, err, berr.ErrSourceClosed)
	})
	assert.Len(t, fr.committed, 1)
}
