// Package pool provides a bounded pool of reusable connections.
//
// The pool lends each connection to exactly one caller at a time and never has
// more than its maximum size open. Connections are created lazily, probed for
// liveness when returned, and replaced when the probe fails.
//
// Storage sessions and AMQP publishing channels are both pooled with it.
package pool
