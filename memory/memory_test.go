package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
	"github.com/next-trace/scg-reply-bus/memory"
	"github.com/next-trace/scg-reply-bus/registry"
	"github.com/next-trace/scg-reply-bus/replybus"
)

type greeting struct {
	cbus.Returns[string]
	Name string
}

func TestNew_BasicFlow(t *testing.T) {
	reg, d, cleanup := memory.New(nil)

	require.NoError(t, registry.RegisterFunc[greeting, string](reg, func(_ context.Context, g greeting) (string, error) {
		return "Hello " + g.Name, nil
	}))

	got, err := replybus.Execute[string](t.Context(), d, greeting{Name: "world"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got)

	f := replybus.ExecuteAsync[string](t.Context(), d, greeting{Name: "async"})
	got, err = f.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Hello async", got)

	cleanup()

	_, err = replybus.Execute[string](t.Context(), d, greeting{Name: "late"})
	assert.ErrorIs(t, err, berr.ErrBusClosed)
}
