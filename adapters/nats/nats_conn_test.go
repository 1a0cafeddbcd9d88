package nats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/next-trace/scg-reply-bus/adapters/nats"
	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

func TestNewWithNATS_EmptyURL(t *testing.T) {
	_, _, err := nats.NewWithNATS(nats.Config{}, codec.New(), nil)
	assert.ErrorIs(t, err, berr.ErrTransportFailed)
}
