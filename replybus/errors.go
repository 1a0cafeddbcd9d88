package replybus

import (
	"fmt"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// HandlerMissingError reports that no handler is registered for a request type.
// It matches berr.ErrHandlerMissing.
type HandlerMissingError struct {
	Descriptor cbus.HandlerDescriptor
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("execute %s: %s: no %s registered",
		e.Descriptor.Request, berr.ErrCodeHandlerMissing, e.Descriptor)
}

func (e *HandlerMissingError) Unwrap() error { return berr.ErrHandlerMissing }

// HandlerAmbiguousError reports that more than one handler is registered for a request
// type. It matches berr.ErrHandlerAmbiguous.
type HandlerAmbiguousError struct {
	Descriptor cbus.HandlerDescriptor
	Count      int
}

func (e *HandlerAmbiguousError) Error() string {
	return fmt.Sprintf("execute %s: %s: %d handlers resolved for %s, only one allowed",
		e.Descriptor.Request, berr.ErrCodeHandlerAmbiguous, e.Count, e.Descriptor)
}

func (e *HandlerAmbiguousError) Unwrap() error { return berr.ErrHandlerAmbiguous }

// PanicError carries a panic recovered on an ExecuteAsync goroutine.
// When the panic value is an error it stays reachable through errors.Is and errors.As.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: %v", berr.ErrCodeHandlerPanicked, e.Value)
}

func (e *PanicError) Unwrap() []error {
	errs := []error{berr.ErrHandlerPanicked}
	if inner, ok := e.Value.(error); ok {
		errs = append(errs, inner)
	}

	return errs
}
