package bus

// SubmitOptions control how a request is handed to a transport for remote execution.
// Empty fields fall back to the adapter's configuration.
type SubmitOptions struct {
	// Queue names the destination: a queue, subject, topic or list depending on the transport.
	Queue string
	// ReplyTo names where the executing side sends the reply.
	ReplyTo string
	Headers map[string]string
}
