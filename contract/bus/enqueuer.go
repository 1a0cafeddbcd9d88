package bus

import "context"

// RequestEnqueuer hands a request to a transport for execution by a remote worker and
// returns the request id its reply will carry.
type RequestEnqueuer interface {
	EnqueueRequest(ctx context.Context, req AnyRequest, opts SubmitOptions) (string, error)
}
