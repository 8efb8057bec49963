package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/rafimumtaz/ChitChat/contracts"
)

// Handler applies an envelope
type Handler interface {
	Apply(ctx context.Context, env contracts.Envelope) contracts.Result
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env contracts.Envelope) contracts.Result

// Apply implements Handler
func (f HandlerFunc) Apply(ctx context.Context, env contracts.Envelope) contracts.Result {
	return f(ctx, env)
}

// Interceptor processes envelopes before they reach the final handler
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by every interceptor in the chain
func (c *InterceptorChain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env contracts.Envelope) contracts.Result {
			return interceptor.Intercept(ctx, env, next)
		})
	}

	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	c.logger.Debug("interceptor chain built", "interceptors", names)

	return handler
}

// LoggingInterceptor logs envelope processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result {
	start := time.Now()

	result := next.Apply(ctx, env)
	duration := time.Since(start)

	if result.OK() {
		i.logger.Debug("envelope applied",
			"messageId", env.IdempotencyKey(),
			"type", env.Kind(),
			"duration", duration,
		)
	} else {
		i.logger.Info("envelope not applied",
			"messageId", env.IdempotencyKey(),
			"type", env.Kind(),
			"kind", result.Kind.String(),
			"duration", duration,
		)
	}

	return result
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long one envelope may take. The handler
// sees the deadline and is waited for, so a timed out transaction has
// rolled back before the chain returns.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env contracts.Envelope, next Handler) contracts.Result {
	if i.timeout <= 0 {
		return next.Apply(ctx, env)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	return next.Apply(ctx, env)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
