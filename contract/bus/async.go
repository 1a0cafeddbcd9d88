package bus

import "time"

// Timeoutable lets a request bound its own execution time when it is executed by a worker.
// A zero or negative Timeout means no bound beyond the worker's context.
type Timeoutable interface {
	Timeout() time.Duration
}
