package bus

// Adapter is a transport that both accepts requests for remote execution and yields them
// to a worker. Any adapter that implements both RequestEnqueuer and RequestSource can be
// selected at startup.
//
// This keeps workers and callers decoupled from concrete transports (Kafka, NATS,
// RabbitMQ, Redis, SQL).
type Adapter interface {
	RequestEnqueuer
	RequestSource
}
