// Package risk scores sensitive requests. Signals are gathered from the geo
// resolver and Redis velocity counters, then evaluated against a versioned
// settings snapshot by a pure function.
package risk

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/database"
	"github.com/trustcore/trustcore/internal/common/tracing"
	"github.com/trustcore/trustcore/internal/geo"
)

const (
	velocityKeyPrefix = "risk:velocity:"

	// DefaultCategory is the velocity bucket for requests that name none
	DefaultCategory = "general"
)

var (
	assessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "risk_assessments_total",
			Help:      "Risk assessments by resulting action",
		},
		[]string{"action"},
	)

	assessmentScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trustcore",
			Name:      "risk_score",
			Help:      "Distribution of risk scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	scorerAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "risk_anomalies_total",
			Help:      "Inputs and failures the scorer degraded around",
		},
		[]string{"kind"},
	)
)

// GeoLocator resolves an IP to a location; nil means no location
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*geo.GeoRecord, error)
}

// SettingsGetter returns the current settings snapshot
type SettingsGetter interface {
	Current() *Settings
}

// Payment describes the transaction being authorized
type Payment struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	// Overrides the absolute high-value threshold for this request
	HighValueThreshold float64 `json:"high_value_threshold,omitempty"`
}

// AssessContext carries optional request context
type AssessContext struct {
	Payment *Payment `json:"payment,omitempty"`
}

// AssessInput is the request to score
type AssessInput struct {
	UserID            string             `json:"user_id"`
	IP                string             `json:"ip"`
	UserAgent         string             `json:"user_agent"`
	Category          string             `json:"category"`
	LastKnownLocation *Location          `json:"last_known_location,omitempty"`
	Context           *AssessContext     `json:"context,omitempty"`
	Thresholds        map[string]float64 `json:"thresholds,omitempty"`
}

func (in AssessInput) payment() *Payment {
	if in.Context == nil {
		return nil
	}
	return in.Context.Payment
}

// RiskAssessment is the scorer's verdict. It is never persisted.
type RiskAssessment struct {
	UserID          string         `json:"user_id,omitempty"`
	IP              string         `json:"ip"`
	Score           int            `json:"score"`
	Reasons         []string       `json:"reasons"`
	Action          Action         `json:"action"`
	Level           Level          `json:"level"`
	Geo             *geo.GeoRecord `json:"geo"`
	SettingsVersion int64          `json:"settings_version"`
	Hardened        bool           `json:"hardened,omitempty"`
	AssessedAt      time.Time      `json:"assessed_at"`
}

// Scorer produces risk assessments
type Scorer struct {
	geo            GeoLocator
	settings       SettingsGetter
	redis          redis.UniversalClient
	velocityWindow time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewScorer creates a scorer. Velocity counters live in rdb for velocityWindow.
func NewScorer(locator GeoLocator, settings SettingsGetter, rdb redis.UniversalClient, velocityWindow time.Duration, logger *zap.Logger) *Scorer {
	return &Scorer{
		geo:            locator,
		settings:       settings,
		redis:          rdb,
		velocityWindow: velocityWindow,
		logger:         logger.With(zap.String("component", "risk")),
		now:            time.Now,
	}
}

// Assess scores a request. It never fails: malformed input yields a zero
// score with invalid_input, and any internal failure yields a blocking
// ENGINE_ERROR assessment.
func (s *Scorer) Assess(ctx context.Context, in AssessInput) (out *RiskAssessment) {
	ctx, span := tracing.Tracer("risk").Start(ctx, "risk.Assess")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			out = s.engineError(in, fmt.Errorf("panic: %v", rec), debug.Stack())
			span.SetStatus(codes.Error, "engine error")
		}
	}()

	ip := strings.TrimSpace(in.IP)
	if ip == "" {
		scorerAnomaliesTotal.WithLabelValues("invalid_input").Inc()
		s.logger.Warn("Risk assessment without client IP", zap.String("user_id", in.UserID))
		return &RiskAssessment{
			UserID:     in.UserID,
			Score:      0,
			Reasons:    []string{ReasonInvalidInput},
			Action:     ActionAllow,
			Level:      LevelLow,
			AssessedAt: s.now(),
		}
	}

	settings := s.withOverrides(s.settings.Current(), in.Thresholds)
	sig := Signals{
		UserAgent: in.UserAgent,
		LastKnown: in.LastKnownLocation,
	}

	if p := in.payment(); p != nil && p.Amount >= 0 {
		if p.HighValueThreshold > 0 {
			settings = s.withOverrides(settings, map[string]float64{OverrideAbsoluteHighValue: p.HighValueThreshold})
		}
		amount, ok := settings.ToReference(p.Amount, p.Currency)
		if !ok {
			scorerAnomaliesTotal.WithLabelValues("unknown_currency").Inc()
			s.logger.Debug("No rate for currency, using amount unconverted", zap.String("currency", p.Currency))
		}
		sig.Amount, sig.HasAmount = amount, true
	}

	if !IsHighValue(settings, sig) {
		sig.Geo = s.lookupGeo(ctx, ip)
	}
	if CountsVelocity(settings, sig) {
		sig.Velocity = s.countVelocity(ctx, in, ip)
	}

	result, err := Evaluate(s.now(), settings, sig)
	if err != nil {
		span.SetStatus(codes.Error, "engine error")
		return s.engineError(in, err, nil)
	}

	assessmentsTotal.WithLabelValues(string(result.Action)).Inc()
	assessmentScore.Observe(float64(result.Score))
	span.SetAttributes(
		attribute.Int("risk.score", result.Score),
		attribute.String("risk.action", string(result.Action)),
		attribute.Int64("risk.settings_version", settings.Version),
	)

	return &RiskAssessment{
		UserID:          in.UserID,
		IP:              ip,
		Score:           result.Score,
		Reasons:         result.Reasons,
		Action:          result.Action,
		Level:           result.Level,
		Geo:             sig.Geo,
		SettingsVersion: settings.Version,
		Hardened:        settings.Hardened,
		AssessedAt:      result.EvaluatedAt,
	}
}

// withOverrides applies caller overrides to base. A combination that leaves
// the thresholds inconsistent, such as challenge above block, is dropped and
// base is used unchanged.
func (s *Scorer) withOverrides(base *Settings, overrides map[string]float64) *Settings {
	settings := base.WithOverrides(overrides)
	if settings == base {
		return base
	}
	if err := validateSettings(settings); err != nil {
		scorerAnomaliesTotal.WithLabelValues("invalid_overrides").Inc()
		s.logger.Debug("Ignoring threshold overrides", zap.Error(err))
		return base
	}
	return settings
}

func (s *Scorer) lookupGeo(ctx context.Context, ip string) *geo.GeoRecord {
	rec, err := s.geo.Lookup(ctx, ip)
	if err != nil {
		scorerAnomaliesTotal.WithLabelValues("geo_unavailable").Inc()
		s.logger.Debug("Geo lookup failed, scoring as unknown", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	return rec
}

func (s *Scorer) countVelocity(ctx context.Context, in AssessInput, ip string) int64 {
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = DefaultCategory
	}
	subject := in.UserID
	if subject == "" {
		subject = ip
	}

	count, err := database.IncrWithExpiry(ctx, s.redis, velocityKeyPrefix+category+":"+subject, s.velocityWindow)
	if err != nil {
		scorerAnomaliesTotal.WithLabelValues("velocity_unavailable").Inc()
		s.logger.Warn("Velocity counter unavailable", zap.String("category", category), zap.Error(err))
		return 0
	}
	return count
}

func (s *Scorer) engineError(in AssessInput, err error, stack []byte) *RiskAssessment {
	scorerAnomaliesTotal.WithLabelValues("engine_error").Inc()
	assessmentsTotal.WithLabelValues(string(ActionBlock)).Inc()

	s.logger.Error("Risk engine failure, blocking request",
		zap.String("user_id", in.UserID),
		zap.String("ip", in.IP),
		zap.Error(err))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "risk")
		scope.SetExtra("user_id", in.UserID)
		scope.SetExtra("ip", in.IP)
		if stack != nil {
			scope.SetExtra("stack", string(stack))
		}
		sentry.CaptureException(err)
	})

	return &RiskAssessment{
		UserID:     in.UserID,
		IP:         strings.TrimSpace(in.IP),
		Score:      maxScore,
		Reasons:    []string{ReasonEngineError},
		Action:     ActionBlock,
		Level:      LevelCritical,
		AssessedAt: s.now(),
	}
}
