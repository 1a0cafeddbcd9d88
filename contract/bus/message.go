package bus

import (
	"fmt"
	"reflect"
)

// AnyRequest is the untyped view of a request. Every Request[R] is an AnyRequest.
// ResultType reports the declared result type R so untyped callers can build a
// HandlerDescriptor from a request value alone.
type AnyRequest interface {
	ResultType() reflect.Type
}

// Request is a unit of work expecting a result of type R.
// Concrete request types satisfy it by embedding Returns[R]:
//
//	type Greeting struct {
//		bus.Returns[string]
//		Name string
//	}
//
// Requests are values; they must not be mutated after submission.
type Request[R any] interface {
	AnyRequest
	replyOf(R)
}

// Returns binds a request type to its result type R. It is zero-sized.
type Returns[R any] struct{}

// ResultType returns the reflect.Type of R.
func (Returns[R]) ResultType() reflect.Type { return reflect.TypeFor[R]() }

func (Returns[R]) replyOf(R) {}

// HandlerDescriptor identifies the capability "every registered RequestHandler for
// request type Request producing Result". Two descriptors are equal only when both
// types are identical, so a pointer type and its element type are distinct requests.
type HandlerDescriptor struct {
	Request reflect.Type
	Result  reflect.Type
}

// DescriptorOf builds the descriptor for the runtime type of req. A nil req, typed or
// not, has no result type.
func DescriptorOf(req AnyRequest) HandlerDescriptor {
	if IsNil(req) {
		return HandlerDescriptor{Request: reflect.TypeOf(req)}
	}

	return HandlerDescriptor{Request: reflect.TypeOf(req), Result: req.ResultType()}
}

// IsNil reports whether req is nil or a typed nil such as a nil pointer.
func IsNil(req AnyRequest) bool {
	if req == nil {
		return true
	}

	v := reflect.ValueOf(req)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// DescriptorFor builds the descriptor for request type Q producing R.
func DescriptorFor[Q Request[R], R any]() HandlerDescriptor {
	return HandlerDescriptor{Request: reflect.TypeFor[Q](), Result: reflect.TypeFor[R]()}
}

func (d HandlerDescriptor) String() string {
	return fmt.Sprintf("RequestHandler[%s, %s]", typeString(d.Request), typeString(d.Result))
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	return t.String()
}
