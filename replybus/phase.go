package replybus

import (
	"context"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
)

// Phase is a step of a single dispatch.
//
//	Started -> Resolving -> {ResolveFailed | HandlerMissing | HandlerAmbiguous | Invoking}
//	Invoking -> {Succeeded | HandlerFailed}
type Phase int

const (
	PhaseStarted Phase = iota
	PhaseResolving
	PhaseResolveFailed
	PhaseHandlerMissing
	PhaseHandlerAmbiguous
	PhaseInvoking
	PhaseSucceeded
	PhaseHandlerFailed
)

var phaseNames = [...]string{
	PhaseStarted:          "started",
	PhaseResolving:        "resolving",
	PhaseResolveFailed:    "resolve_failed",
	PhaseHandlerMissing:   "handler_missing",
	PhaseHandlerAmbiguous: "handler_ambiguous",
	PhaseInvoking:         "invoking",
	PhaseSucceeded:        "succeeded",
	PhaseHandlerFailed:    "handler_failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}

	return phaseNames[p]
}

// Terminal reports whether a dispatch ends in p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseStarted, PhaseResolving, PhaseInvoking:
		return false
	default:
		return true
	}
}

// PhaseHook observes phase transitions. It runs on the dispatching goroutine and must not
// block.
type PhaseHook func(ctx context.Context, p Phase, d cbus.HandlerDescriptor)
