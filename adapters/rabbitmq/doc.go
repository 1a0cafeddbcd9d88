/*
Package rabbitmq provides a RabbitMQ transport for the reply bus.
It consumes requests from a durable queue, replies to each message's ReplyTo queue with
its correlation id, includes an auto-reconnect reply publisher, and supports optional
header propagation via a bus.HeaderPropagator.
*/
package rabbitmq
