/*
Package redis provides a Redis list transport for the reply bus.
Requests are LPUSHed onto a queue list and popped with BRPOP; each reply is LPUSHed onto
the reply key named by its request and expires after a TTL. Call gives callers a typed
request/reply round trip over the same lists.
*/
package redis
