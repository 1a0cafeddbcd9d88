package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/adapters/sqlstore"
	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

type greeting struct {
	cbus.Returns[string]
	Name string `json:"name"`
}

type unregistered struct {
	cbus.Returns[string]
}

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	cd := codec.New()
	require.NoError(t, codec.Register[greeting](cd, "greeting"))

	s, err := sqlstore.Open(t.Context(), sqlstore.Config{Path: ":memory:", PollInterval: time.Millisecond}, cd, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_PushPopReplyFetch(t *testing.T) {
	s := openStore(t)

	first, err := s.PushRequest(t.Context(), greeting{Name: "first"})
	require.NoError(t, err)

	_, err = s.PushRequest(t.Context(), greeting{Name: "second"})
	require.NoError(t, err)

	n, err := s.Pending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := s.PopRequest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "first"}, d.Request(), "oldest first")

	_, ok, err := s.FetchReply(t.Context(), first)
	require.NoError(t, err)
	assert.False(t, ok, "claimed but not replied")

	require.NoError(t, d.Reply(t.Context(), "Hello first", nil))
	assert.ErrorIs(t, d.Reply(t.Context(), "again", nil), berr.ErrReplyFailed)

	r, ok, err := s.FetchReply(t.Context(), first)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := codec.ResultAs[string](r)
	require.NoError(t, err)
	assert.Equal(t, "Hello first", got)

	n, err = s.Pending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ErrorReplyStored(t *testing.T) {
	s := openStore(t)

	id, err := s.PushRequest(t.Context(), greeting{})
	require.NoError(t, err)

	d, err := s.PopRequest(t.Context())
	require.NoError(t, err)
	require.NoError(t, d.Reply(t.Context(), nil, errors.New("invalid cast")))

	r, ok, err := s.FetchReply(t.Context(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, r.Error)
	assert.Equal(t, berr.ErrCodeHandlerFailed, r.Error.Code)
	assert.Equal(t, "invalid cast", r.Error.Message)
}

func TestStore_Call(t *testing.T) {
	s := openStore(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go func() {
		for {
			d, err := s.PopRequest(ctx)
			if err != nil {
				return
			}

			_ = d.Reply(ctx, "Hello "+d.Request().(greeting).Name, nil)
		}
	}()

	got, err := sqlstore.Call[string](t.Context(), s, greeting{Name: "world"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)
}

func TestStore_PopWaitsForContext(t *testing.T) {
	s := openStore(t)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := s.PopRequest(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_QueuesAreSeparate(t *testing.T) {
	s := openStore(t)

	_, err := s.EnqueueRequest(t.Context(), greeting{Name: "elsewhere"}, cbus.SubmitOptions{Queue: "other"})
	require.NoError(t, err)

	n, err := s.Pending(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Errors(t *testing.T) {
	s := openStore(t)

	_, err := s.PushRequest(t.Context(), unregistered{})
	assert.ErrorIs(t, err, berr.ErrUnknownRequest)

	_, _, err = s.FetchReply(t.Context(), "missing")
	assert.ErrorIs(t, err, berr.ErrUnknownRequest)

	_, err = sqlstore.Open(t.Context(), sqlstore.Config{}, codec.New(), nil)
	assert.ErrorIs(t, err, berr.ErrTransportFailed)
}
