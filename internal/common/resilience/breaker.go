// Package resilience guards calls to external geolocation providers with
// circuit breakers so a failing provider is skipped instead of waited on.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State is the position of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned without calling the provider while a breaker is open
// or while its half-open probe is in flight.
var ErrOpen = errors.New("provider circuit is open")

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustcore_provider_breaker_open",
		Help: "1 while the provider breaker is open or probing",
	}, []string{"provider"})

	breakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_provider_breaker_calls_total",
		Help: "Provider calls by breaker outcome",
	}, []string{"provider", "outcome"})
)

// BreakerConfig configures a Breaker. Threshold consecutive failures open
// the breaker; after Cooldown one probe call is let through.
type BreakerConfig struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	Logger    *zap.Logger
}

// Breaker is a consecutive-failure circuit breaker
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	breakerState.WithLabelValues(cfg.Name).Set(0)
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		logger:    cfg.Logger.With(zap.String("provider", cfg.Name)),
		now:       time.Now,
		state:     StateClosed,
	}
}

// Name returns the provider name
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. While half-open only one probe runs
// at a time. A call that fails because ctx was canceled by the caller does
// not count against the provider.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		breakerCalls.WithLabelValues(b.name, "rejected").Inc()
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.succeed()
		breakerCalls.WithLabelValues(b.name, "success").Inc()
	case errors.Is(ctx.Err(), context.Canceled):
		b.abandon(probe)
		breakerCalls.WithLabelValues(b.name, "canceled").Inc()
	default:
		b.fail()
		breakerCalls.WithLabelValues(b.name, "failure").Inc()
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.logger.Info("Provider breaker half-open, probing")
	}
	if b.probing {
		return false, ErrOpen
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.logger.Info("Provider breaker closed")
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	breakerState.WithLabelValues(b.name).Set(0)
}

func (b *Breaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("Provider breaker opened", zap.Int("failures", b.failures))
		}
		b.state = StateOpen
		b.openedAt = b.now()
		breakerState.WithLabelValues(b.name).Set(1)
	}
}

func (b *Breaker) abandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State reports the breaker position. An open breaker whose cooldown has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.succeed()
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name      string     `json:"name"`
	State     State      `json:"state"`
	Failures  int        `json:"failures"`
	Threshold int        `json:"threshold"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current view
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: state, Failures: b.failures, Threshold: b.threshold}
	if state != StateClosed {
		opened := b.openedAt
		s.OpenedAt = &opened
	}
	return s
}

// ProviderError is a provider answer that counts as a failure
type ProviderError struct {
	Provider   string
	StatusCode int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s answered %d", e.Provider, e.StatusCode)
}

// Transport wraps next so every round trip goes through b. 5xx and 429
// answers trip the breaker; the response is still returned to the caller.
func Transport(b *Breaker, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		var resp *http.Response
		err := b.Do(req.Context(), func(context.Context) error {
			var err error
			resp, err = next.RoundTrip(req)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return &ProviderError{Provider: b.name, StatusCode: resp.StatusCode}
			}
			return nil
		})
		var perr *ProviderError
		if errors.As(err, &perr) {
			return resp, nil
		}
		return resp, err
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Registry tracks the breakers of a process for health reporting
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds b, replacing any breaker with the same name
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.name] = b
}

// Get returns the named breaker
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns every breaker's view ordered by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the names of breakers that are not closed
func (r *Registry) Open() []string {
	var names []string
	for _, s := range r.Snapshots() {
		if s.State != StateClosed {
			names = append(names, s.Name)
		}
	}
	return names
}
