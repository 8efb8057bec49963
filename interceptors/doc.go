// Package interceptors wraps envelope handlers with cross-cutting behaviour.
//
// The consumer loop hands every decoded envelope to a Handler. An
// InterceptorChain puts interceptors in front of that handler without the
// storage layer knowing about them:
//   - LoggingInterceptor: logs each envelope with its result and timing
//   - TimeoutInterceptor: bounds how long one envelope may take to apply
//
// Example usage:
//
//	handler := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second)).
//		Then(writer)
//
// Interceptors run in the order they are added, with the final handler
// called last. An interceptor always returns the Result of the handler it
// wraps unless it decides the envelope's fate itself; the consumer settles
// the delivery only after the whole chain returns.
package interceptors
