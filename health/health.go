package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth represents the overall relay health
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry runs a set of checkers concurrently
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a registry holding checkers
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check executes all registered health checks. Checks still running when
// ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- named{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for i := 0; i < len(checkers); i++ {
		select {
		case r := <-results:
			checks[r.name] = r.result
			overall = worse(overall, r.result.Status)

		case <-ctx.Done():
			for name := range checkers {
				if _, ok := checks[name]; !ok {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "Check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
	}
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Handler serves the registry as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(health)
}
