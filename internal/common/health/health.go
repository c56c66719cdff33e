// Package health reports whether the trust service can make decisions. Redis
// is critical; Postgres and the geolocation providers only degrade answers
// because settings and locations have fallbacks.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/database"
	"github.com/trustcore/trustcore/internal/common/resilience"
)

// Status of a single dependency
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Overall service states
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

const checkTimeout = 5 * time.Second

// Report is the aggregated health of the service
type Report struct {
	Status       string                     `json:"status"`
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck is the result of one checker
type DependencyCheck struct {
	Status    Status    `json:"status"`
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker inspects one dependency
type Checker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// HealthService runs registered checkers and serves the probe routes
type HealthService struct {
	mu       sync.RWMutex
	checkers []Checker
	version  string

	logger  *zap.Logger
	started time.Time
}

// NewHealthService creates a HealthService with no checkers
func NewHealthService(logger *zap.Logger) *HealthService {
	return &HealthService{
		logger:  logger.With(zap.String("component", "health")),
		started: time.Now(),
	}
}

// SetVersion sets the version reported by /health
func (h *HealthService) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// RegisterCheck adds a checker
func (h *HealthService) RegisterCheck(checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker", zap.String("name", checker.Name()))
}

// Check runs every checker concurrently, each under its own timeout
func (h *HealthService) Check(ctx context.Context) *Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	version := h.version
	h.mu.RUnlock()

	results := make([]DependencyCheck, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
		}(i, c)
	}
	wg.Wait()

	report := &Report{
		Status:       Healthy,
		Version:      version,
		Uptime:       formatDuration(time.Since(h.started)),
		Dependencies: make(map[string]DependencyCheck, len(checkers)),
		CheckedAt:    time.Now(),
	}
	for i, c := range checkers {
		dep := results[i]
		report.Dependencies[c.Name()] = dep
		switch dep.Status {
		case StatusDown:
			report.Status = Unhealthy
			h.logger.Warn("Dependency is down", zap.String("dependency", c.Name()), zap.String("details", dep.Details))
		case StatusDegraded:
			if report.Status == Healthy {
				report.Status = Degraded
			}
			h.logger.Warn("Dependency is degraded", zap.String("dependency", c.Name()), zap.String("details", dep.Details))
		}
	}
	return report
}

// RegisterStandardRoutes mounts /health, /ready and /health/live. /health
// and /ready answer 503 only when a critical dependency is down.
func (h *HealthService) RegisterStandardRoutes(router gin.IRoutes) {
	router.GET("/health", func(c *gin.Context) {
		report := h.Check(c.Request.Context())
		code := http.StatusOK
		if report.Status == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})

	router.GET("/ready", func(c *gin.Context) {
		report := h.Check(c.Request.Context())
		if report.Status == Unhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": report.Dependencies,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.started)),
		})
	})
}

// Probe checks a dependency with a single round trip. A failed ping reports
// onFailure; a ping slower than budget reports degraded.
type Probe struct {
	name      string
	budget    time.Duration
	onFailure Status
	ping      func(ctx context.Context) error
}

// NewProbe creates a Probe
func NewProbe(name string, budget time.Duration, onFailure Status, ping func(ctx context.Context) error) *Probe {
	return &Probe{name: name, budget: budget, onFailure: onFailure, ping: ping}
}

// Name returns the dependency name
func (p *Probe) Name() string { return p.name }

// Check runs the ping and grades its latency
func (p *Probe) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start)

	check := DependencyCheck{Status: StatusUp, Latency: latency.String(), CheckedAt: time.Now()}
	switch {
	case err != nil:
		check.Status = p.onFailure
		check.Details = err.Error()
	case latency > p.budget:
		check.Status = StatusDegraded
		check.Details = fmt.Sprintf("slow: %s over %s budget", latency, p.budget)
	}
	return check
}

// NewRedisChecker probes Redis with PING. Every limiter, guard and challenge
// lives in Redis, so a failure is down.
func NewRedisChecker(redis *database.RedisClient) *Probe {
	return NewProbe("redis", 200*time.Millisecond, StatusDown, func(ctx context.Context) error {
		return redis.Client.Ping(ctx).Err()
	})
}

// NewPostgresChecker probes Postgres with SELECT 1. Settings fall back to the
// last good snapshot, so a failure is degraded.
func NewPostgresChecker(db *database.PostgresDB) *Probe {
	return NewProbe("postgres", 500*time.Millisecond, StatusDegraded, func(ctx context.Context) error {
		var one int
		return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

// BreakerChecker reports open provider breakers as degraded without making
// any provider calls.
type BreakerChecker struct {
	name     string
	registry *resilience.Registry
}

// NewBreakerChecker creates a checker over every breaker in registry
func NewBreakerChecker(name string, registry *resilience.Registry) *BreakerChecker {
	return &BreakerChecker{name: name, registry: registry}
}

func (b *BreakerChecker) Name() string { return b.name }

func (b *BreakerChecker) Check(context.Context) DependencyCheck {
	check := DependencyCheck{Status: StatusUp, Latency: "0s", CheckedAt: time.Now()}
	if open := b.registry.Open(); len(open) > 0 {
		check.Status = StatusDegraded
		check.Details = "open provider breakers: " + strings.Join(open, ",")
	}
	return check
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	if days > 0 {
		return fmt.Sprintf("%dd%s", days, d-time.Duration(days)*24*time.Hour)
	}
	return d.String()
}
