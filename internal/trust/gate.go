// Package trust puts the rate limiter, risk scorer and adaptive MFA behind a
// single gate and exposes them over HTTP.
package trust

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/events"
	"github.com/trustcore/trustcore/internal/common/logger"
	"github.com/trustcore/trustcore/internal/common/middleware"
	"github.com/trustcore/trustcore/internal/common/tracing"
	"github.com/trustcore/trustcore/internal/mfa"
	"github.com/trustcore/trustcore/internal/ratelimit"
	"github.com/trustcore/trustcore/internal/risk"
)

// RateLimiter admits or rejects a request for an identity in a category
type RateLimiter interface {
	Allow(ctx context.Context, identity, category string) (*ratelimit.Result, error)
}

// Assessor scores a request
type Assessor interface {
	Assess(ctx context.Context, in risk.AssessInput) *risk.RiskAssessment
}

// ChallengeIssuer starts a step-up challenge for an assessed request
type ChallengeIssuer interface {
	IssueChallenge(ctx context.Context, userID string, assessment *risk.RiskAssessment) (*mfa.InitiateResult, error)
}

// GateRequest is a sensitive action awaiting a decision. Category selects
// both the rate limit rule and the velocity counter.
type GateRequest struct {
	risk.AssessInput
}

// Decision is the gate outcome for a request that was not rejected
type Decision struct {
	Action     risk.Action          `json:"action"`
	Score      int                  `json:"risk_score"`
	Level      risk.Level           `json:"risk_level"`
	Reasons    []string             `json:"reasons"`
	Challenge  *mfa.InitiateResult  `json:"challenge,omitempty"`
	Assessment *risk.RiskAssessment `json:"-"`
}

// Gate runs rate limit, assessment and step-up in order for one request
type Gate struct {
	limiter RateLimiter
	scorer  Assessor
	mfa     ChallengeIssuer
	bus     events.Bus
	audit   *logger.AuditLogger
	logger  *zap.Logger
}

// NewGate creates a trust gate
func NewGate(limiter RateLimiter, scorer Assessor, issuer ChallengeIssuer, bus events.Bus, audit *logger.AuditLogger, log *zap.Logger) *Gate {
	return &Gate{
		limiter: limiter,
		scorer:  scorer,
		mfa:     issuer,
		bus:     bus,
		audit:   audit,
		logger:  log.With(zap.String("component", "trust-gate")),
	}
}

// Evaluate decides a request. A rate limited request returns RateLimited, a
// blocked one RiskBlocked. A challenge decision carries the issued challenge.
func (g *Gate) Evaluate(ctx context.Context, req GateRequest) (_ *Decision, err error) {
	ctx, span := tracing.Tracer("trust").Start(ctx, "trust.Evaluate")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()

	in := req.AssessInput
	in.UserID = strings.TrimSpace(in.UserID)
	in.IP = strings.TrimSpace(in.IP)
	category := in.Category
	if category == "" {
		category = ratelimit.CategoryDefault
	}

	identity := gateIdentity(in)
	if identity == "" {
		return nil, apperrors.ValidationError("user_id or ip is required")
	}

	res, err := g.limiter.Allow(ctx, identity, category)
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrRateLimit) {
			banned := res != nil && res.Banned
			middleware.DecisionsTotal.WithLabelValues("rate_limited", "denied").Inc()
			g.audit.LogRateLimited(identity, category, banned)
			if banned {
				g.publish(ctx, events.NewEvent(events.EventIdentityBanned, "trust", map[string]interface{}{
					"identity": identity,
					"category": category,
				}).WithUserID(in.UserID))
			}
		}
		return nil, err
	}

	assessment := g.scorer.Assess(ctx, in)
	decision := &Decision{
		Action:     assessment.Action,
		Score:      assessment.Score,
		Level:      assessment.Level,
		Reasons:    assessment.Reasons,
		Assessment: assessment,
	}

	switch assessment.Action {
	case risk.ActionBlock:
		middleware.DecisionsTotal.WithLabelValues(string(risk.ActionBlock), "denied").Inc()
		g.audit.LogDecision(in.UserID, in.IP, category, string(risk.ActionBlock), assessment.Score, assessment.Reasons)
		g.publish(ctx, events.NewEvent(events.EventRiskBlocked, "trust", map[string]interface{}{
			"ip":         in.IP,
			"category":   category,
			"risk_score": assessment.Score,
			"reasons":    assessment.Reasons,
		}).WithUserID(in.UserID))
		return nil, apperrors.RiskBlocked(assessment.Score, assessment.Reasons)

	case risk.ActionChallenge:
		if in.UserID == "" {
			middleware.DecisionsTotal.WithLabelValues(string(risk.ActionChallenge), "denied").Inc()
			return nil, apperrors.ValidationError("user_id is required for step-up")
		}
		challenge, err := g.mfa.IssueChallenge(ctx, in.UserID, assessment)
		if err != nil {
			middleware.DecisionsTotal.WithLabelValues(string(risk.ActionChallenge), "error").Inc()
			return nil, err
		}
		decision.Challenge = challenge
		middleware.DecisionsTotal.WithLabelValues(string(risk.ActionChallenge), "issued").Inc()
		g.audit.LogDecision(in.UserID, in.IP, category, string(risk.ActionChallenge), assessment.Score, assessment.Reasons)

	default:
		middleware.DecisionsTotal.WithLabelValues(string(risk.ActionAllow), "proceed").Inc()
		g.audit.LogDecision(in.UserID, in.IP, category, string(risk.ActionAllow), assessment.Score, assessment.Reasons)
	}

	return decision, nil
}

func (g *Gate) publish(ctx context.Context, event events.Event) {
	if err := g.bus.Publish(ctx, event); err != nil {
		logger.WithTraceContext(g.logger, ctx).Warn("Failed to publish gate event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// gateIdentity keys the limiter on the user when known, otherwise the IP
func gateIdentity(in risk.AssessInput) string {
	if in.UserID != "" {
		return "user:" + in.UserID
	}
	return in.IP
}
