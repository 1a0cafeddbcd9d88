package bus

import "context"

// RequestSource yields pending requests one at a time. How they got there (durable queue,
// broker subscription, in-memory channel) is the source's business.
//
// PopRequest blocks until a request is available, ctx is done, or the source is closed,
// in which case it returns an error matching ErrSourceClosed.
type RequestSource interface {
	PopRequest(ctx context.Context) (Delivery, error)
}

// Delivery is one popped request together with the way back to whoever sent it.
type Delivery interface {
	Request() AnyRequest

	// Reply sends the outcome of executing the request. Exactly one of result and err is
	// meaningful. Reply is called at most once per delivery.
	Reply(ctx context.Context, result any, err error) error
}

// ContextualDelivery is implemented by deliveries that carry caller context across the
// transport, such as trace headers. Workers execute the request under Context(parent).
type ContextualDelivery interface {
	Delivery
	Context(parent context.Context) context.Context
}
