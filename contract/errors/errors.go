package errors

import stderrors "errors"

// Error codes for the bus contracts. Keep stable; they travel on the wire in reply
// envelopes and are shared by the dispatcher, the registry and every adapter.
const (
	ErrCodeHandlerMissing      = "servicebus.handler_missing"
	ErrCodeHandlerAmbiguous    = "servicebus.handler_ambiguous"
	ErrCodeHandlerTypeMismatch = "servicebus.handler_type_mismatch"
	ErrCodeHandlerFailed       = "servicebus.handler_failed"
	ErrCodeHandlerPanicked     = "servicebus.handler_panicked"
	ErrCodeNilRequest          = "servicebus.nil_request"
	ErrCodeBusClosed           = "servicebus.bus_closed"
	ErrCodeScopeClosed         = "servicebus.scope_closed"
	ErrCodeSourceClosed        = "servicebus.source_closed"
	ErrCodeUnknownRequest      = "servicebus.unknown_request"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeReplyFailed         = "servicebus.reply_failed"
	ErrCodeTransportFailed     = "servicebus.transport_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerMissing      = Code(ErrCodeHandlerMissing)
	ErrHandlerAmbiguous    = Code(ErrCodeHandlerAmbiguous)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrHandlerFailed       = Code(ErrCodeHandlerFailed)
	ErrHandlerPanicked     = Code(ErrCodeHandlerPanicked)
	ErrNilRequest          = Code(ErrCodeNilRequest)
	ErrBusClosed           = Code(ErrCodeBusClosed)
	ErrScopeClosed         = Code(ErrCodeScopeClosed)
	ErrSourceClosed        = Code(ErrCodeSourceClosed)
	ErrUnknownRequest      = Code(ErrCodeUnknownRequest)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrReplyFailed         = Code(ErrCodeReplyFailed)
	ErrTransportFailed     = Code(ErrCodeTransportFailed)
)

// all lists every sentinel in lookup order for CodeOf.
var all = []error{
	ErrHandlerMissing,
	ErrHandlerAmbiguous,
	ErrHandlerTypeMismatch,
	ErrHandlerPanicked,
	ErrNilRequest,
	ErrBusClosed,
	ErrScopeClosed,
	ErrSourceClosed,
	ErrUnknownRequest,
	ErrSerializationFailed,
	ErrReplyFailed,
	ErrTransportFailed,
}

// CodeOf returns the code of the first sentinel err matches, or ErrCodeHandlerFailed
// when err carries none. CodeOf(nil) is "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	for _, s := range all {
		if stderrors.Is(err, s) {
			return s.Error()
		}
	}

	return ErrCodeHandlerFailed
}
