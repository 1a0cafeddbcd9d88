package bus_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
)

type greeting struct {
	cbus.Returns[string]
}

func TestDescriptorOf(t *testing.T) {
	d := cbus.DescriptorOf(greeting{})
	assert.Equal(t, cbus.DescriptorFor[greeting, string](), d)

	d = cbus.DescriptorOf(&greeting{})
	assert.Equal(t, reflect.TypeFor[*greeting](), d.Request)
	assert.Equal(t, reflect.TypeFor[string](), d.Result)
}

func TestDescriptorOf_NilRequests(t *testing.T) {
	var typedNil *greeting

	d := cbus.DescriptorOf(typedNil)
	assert.Equal(t, reflect.TypeFor[*greeting](), d.Request)
	assert.Nil(t, d.Result)
	assert.Equal(t, "RequestHandler[*bus_test.greeting, <nil>]", d.String())

	assert.Equal(t, cbus.HandlerDescriptor{}, cbus.DescriptorOf(nil))
}

func TestIsNil(t *testing.T) {
	var typedNil *greeting

	assert.True(t, cbus.IsNil(nil))
	assert.True(t, cbus.IsNil(typedNil))
	assert.False(t, cbus.IsNil(greeting{}))
	assert.False(t, cbus.IsNil(&greeting{}))
}
