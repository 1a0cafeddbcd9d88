package rabbitmq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/next-trace/scg-reply-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-reply-bus/codec"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

func TestNewWithAMQPConn_EmptyURL(t *testing.T) {
	_, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{}, codec.New(), nil)
	assert.ErrorIs(t, err, berr.ErrTransportFailed)
}
