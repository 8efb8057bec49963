// Package reliability decides how deliveries are settled and how failing
// work is paced.
//
//   - Decide maps a persistence result to ack, requeue or discard
//   - Backoff spaces out requeues while storage keeps failing
//   - Retry re-runs broker setup after a lost connection
//   - Breaker fails publishes fast while the broker is unreachable
package reliability
