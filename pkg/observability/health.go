package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrDegraded marks a check failure that should not take the process out
// of rotation. Wrap it to attach a message.
var ErrDegraded = errors.New("degraded")

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker runs dependency checks for the readiness probe. A failing
// critical check makes the process unhealthy; any other failure degrades it.
type HealthChecker struct {
	version string

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker registers the database as a critical check and redis, if
// non-nil, as a non-critical one. Redis only carries cache invalidation and
// rate limit counters, so losing it degrades rather than fails readiness.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.AddCheck("database", true, DatabaseCheck(db))
	}
	if redis != nil {
		h.AddCheck("redis", false, RedisCheck(redis))
	}
	return h
}

// AddCheck registers a named check. Names should be unique; a later check
// with the same name replaces the earlier result in the report.
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// DatabaseCheck pings db and reports an exhausted pool as degraded
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return fmt.Errorf("%w: connection pool exhausted", ErrDegraded)
		}
		return nil
	}
}

// RedisCheck pings the redis server
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns 200 whenever the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness runs every check and returns 503 when unhealthy
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Check runs the registered checks concurrently and folds their results
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c namedCheck) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}
	for i, c := range checks {
		res := results[i]
		status.Dependencies[c.name] = res
		switch {
		case res.Status == StatusUnhealthy && c.critical:
			status.Status = StatusUnhealthy
		case res.Status != StatusHealthy && status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}
	return status
}

func runCheck(ctx context.Context, c namedCheck) (status DependencyStatus) {
	start := time.Now()
	status = DependencyStatus{Status: StatusHealthy, Timestamp: start}
	defer func() {
		if r := recover(); r != nil {
			status.Status = StatusUnhealthy
			status.Message = fmt.Sprintf("check panicked: %v", r)
		}
		status.Latency = time.Since(start)
	}()

	err := c.fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		status.Status = StatusDegraded
		status.Message = err.Error()
	default:
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}
