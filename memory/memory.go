package memory

import (
	"go.uber.org/zap"

	"github.com/next-trace/scg-reply-bus/registry"
	"github.com/next-trace/scg-reply-bus/replybus"
)

// New constructs an in-process reply bus: a handler registry and a dispatcher resolving
// from it. The cleanup function closes the dispatcher, waiting for in-flight async calls.
func New(logger *zap.Logger, opts ...replybus.Option) (*registry.Registry, *replybus.Dispatcher, func()) {
	reg := registry.New(logger)
	d := replybus.New(reg, logger, opts...)
	cleanup := func() { _ = d.Close() }

	return reg, d, cleanup
}
