package risk

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
)

var settingsFetchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "risk_settings_fetch_total",
		Help:      "Risk settings refreshes by outcome",
	},
	[]string{"source", "outcome"},
)

// SettingsSource loads a settings snapshot
type SettingsSource interface {
	Name() string
	Fetch(ctx context.Context) (*Settings, error)
}

// StaticSettingsSource always returns the same snapshot
type StaticSettingsSource struct {
	settings *Settings
}

// NewStaticSettingsSource creates a source serving s
func NewStaticSettingsSource(s *Settings) *StaticSettingsSource {
	return &StaticSettingsSource{settings: s.Clone()}
}

func (s *StaticSettingsSource) Name() string { return "static" }

func (s *StaticSettingsSource) Fetch(context.Context) (*Settings, error) {
	return s.settings.Clone(), nil
}

// SettingsProvider serves the current settings snapshot. A fetched snapshot
// stays in force for maxStaleness after the last successful refresh; after
// that the hardened fallback is served until a refresh succeeds.
type SettingsProvider struct {
	source       SettingsSource
	interval     time.Duration
	maxStaleness time.Duration
	logger       *zap.Logger
	now          func() time.Time

	lastGood atomic.Pointer[Settings]
	hardened atomic.Pointer[Settings]
}

// NewSettingsProvider creates a provider. Until the first successful refresh
// it serves hardened settings.
func NewSettingsProvider(source SettingsSource, interval, maxStaleness time.Duration, logger *zap.Logger) *SettingsProvider {
	p := &SettingsProvider{
		source:       source,
		interval:     interval,
		maxStaleness: maxStaleness,
		logger:       logger.With(zap.String("component", "risk_settings")),
		now:          time.Now,
	}
	p.hardened.Store(HardenedSettings(nil))
	return p
}

// Current returns the snapshot to score against. Callers must not mutate it.
func (p *SettingsProvider) Current() *Settings {
	good := p.lastGood.Load()
	if good != nil && p.now().Sub(good.FetchedAt) <= p.maxStaleness {
		return good
	}
	return p.hardened.Load()
}

// Refresh fetches a new snapshot. On failure the previous snapshot is kept and
// a ConfigFetchFailed error is returned.
func (p *SettingsProvider) Refresh(ctx context.Context) error {
	s, err := p.source.Fetch(ctx)
	if err == nil {
		err = validateSettings(s)
	}
	if err != nil {
		settingsFetchTotal.WithLabelValues(p.source.Name(), "failure").Inc()
		p.logger.Warn("Risk settings refresh failed",
			zap.String("source", p.source.Name()),
			zap.Bool("serving_hardened", p.Current().Hardened),
			zap.Error(err))
		return apperrors.ConfigFetchFailed(p.source.Name(), err)
	}

	s.FetchedAt = p.now()
	s.Hardened = false
	prev := p.lastGood.Swap(s)
	p.hardened.Store(HardenedSettings(s))
	settingsFetchTotal.WithLabelValues(p.source.Name(), "success").Inc()

	if prev == nil || prev.Version != s.Version {
		p.logger.Info("Risk settings loaded",
			zap.String("source", p.source.Name()),
			zap.Int64("version", s.Version),
			zap.Int("country_policies", len(s.CountryPolicies)),
			zap.Int("currency_rates", len(s.CurrencyRates)))
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done
func (p *SettingsProvider) Run(ctx context.Context) {
	_ = p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

func validateSettings(s *Settings) error {
	if s == nil {
		return invalidSettingsError("empty snapshot")
	}
	if s.ChallengeScoreThreshold > s.BlockScoreThreshold {
		return invalidSettingsError("challenge threshold above block threshold")
	}
	if s.ReferenceCurrency == "" {
		return invalidSettingsError("missing reference currency")
	}
	return nil
}

type invalidSettingsError string

func (e invalidSettingsError) Error() string { return "invalid risk settings: " + string(e) }
