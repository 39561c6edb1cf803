package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"syncmesh/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		logger: logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddRedisCheck probes the shared Redis instance with a ping.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionStoreCheck verifies the session repository answers queries.
func (h *HealthChecker) AddSessionStoreCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("session_store", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListActive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStalenessCheck fails once lastRun falls further behind than maxAge.
// Background loops expose their last tick through lastRun.
func (h *HealthChecker) AddStalenessCheck(name string, lastRun func() time.Time, maxAge, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		last := lastRun()
		if last.IsZero() {
			// Not started yet counts as healthy, failing here would
			// flap readiness during boot.
			return true, nil
		}
		if age := time.Since(last); age > maxAge {
			return false, fmt.Errorf("last run %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return true, nil
	}, interval, timeout)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		healthy, err := h.runOnce(ctx, check)
		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// IsReady reports whether every registered check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runOnce(ctx context.Context, check HealthCheck) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(checkCtx)
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := h.runOnce(ctx, check)
			if err != nil || !healthy {
				failures++
				if h.logger != nil {
					h.logger.Warnw("health check failing",
						"check", check.Name,
						"consecutive", failures,
						"error", err)
				}
			} else {
				if failures > 0 && h.logger != nil {
					h.logger.Infow("health check recovered",
						"check", check.Name,
						"after_failures", failures)
				}
				failures = 0
			}
		}
	}
}
