// Package mfa implements risk-adaptive step-up challenges. A challenge is a
// six-digit code whose proof is kept in Redis: a SHA-512 digest for the LOW
// tier and a scrypt derivation for the HIGH tier. Challenges are single-use
// and expire after their TTL.
package mfa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/events"
	"github.com/trustcore/trustcore/internal/common/tracing"
	"github.com/trustcore/trustcore/internal/risk"
)

const challengeKeyPrefix = "mfa:challenge:"

// StatusVerified is reported for a successful verification
const StatusVerified = "VERIFIED"

// verifyScript increments the attempt counter of an existing challenge and
// returns all of its fields. A missing challenge returns nil.
var verifyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return redis.call('HGETALL', KEYS[1])
`)

var (
	challengesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "mfa_challenges_issued_total",
			Help:      "Step-up challenges issued by assurance tier",
		},
		[]string{"mode"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "mfa_verifications_total",
			Help:      "Step-up verification attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// Assessor scores the request that triggers a challenge
type Assessor interface {
	Assess(ctx context.Context, in risk.AssessInput) *risk.RiskAssessment
}

// Config configures challenge issuance and verification
type Config struct {
	ChallengeTTL      time.Duration
	MaxAttempts       int
	AbsoluteRiskFloor int
	Scrypt            ScryptParams
}

// DefaultConfig returns a 300s TTL, 3 attempts and a HIGH tier floor of 75
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:      300 * time.Second,
		MaxAttempts:       3,
		AbsoluteRiskFloor: 75,
		Scrypt:            DefaultScryptParams(),
	}
}

// InitiateResult is returned to the client that must answer the challenge
type InitiateResult struct {
	MFARequired bool   `json:"mfa_required"`
	Mode        Mode   `json:"mfa_mode"`
	Nonce       string `json:"mfa_nonce"`
	ExpiresIn   int    `json:"expires_in"`
	RiskScore   int    `json:"risk_score"`
}

// VerifyResult is returned for a correct code
type VerifyResult struct {
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Mode       Mode       `json:"mfa_mode"`
	RiskScore  int        `json:"risk_score"`
	RiskLevel  risk.Level `json:"risk_level"`
	VerifiedAt time.Time  `json:"verified_at"`
}

// storedChallenge is the decoded challenge hash
type storedChallenge struct {
	UserID    string
	Mode      Mode
	Proof     []byte
	Salt      []byte
	Params    ScryptParams
	Attempts  int
	RiskScore int
	IssuedAt  time.Time
}

// Service issues and verifies challenges
type Service struct {
	redis     redis.UniversalClient
	scorer    Assessor
	bus       events.Bus
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	dummySalt []byte
}

// NewService creates a challenge service. Dispatch events carrying the code
// are published on bus.
func NewService(rdb redis.UniversalClient, scorer Assessor, bus events.Bus, cfg Config, logger *zap.Logger) (*Service, error) {
	salt, err := randomBytes(saltBytes)
	if err != nil {
		return nil, err
	}
	// Reject unusable work factors at startup rather than on first use
	if _, err := cfg.Scrypt.derive("000000", salt); err != nil {
		return nil, fmt.Errorf("invalid scrypt parameters: %w", err)
	}
	return &Service{
		redis:     rdb,
		scorer:    scorer,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "mfa")),
		now:       time.Now,
		dummySalt: salt,
	}, nil
}

// Initiate scores the request and issues a challenge in the tier the score calls for
func (s *Service) Initiate(ctx context.Context, in risk.AssessInput) (*InitiateResult, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, apperrors.ValidationError("user_id is required")
	}
	assessment := s.scorer.Assess(ctx, in)
	return s.IssueChallenge(ctx, in.UserID, assessment)
}

// IssueChallenge issues a challenge for an assessment that has already been made
func (s *Service) IssueChallenge(ctx context.Context, userID string, assessment *risk.RiskAssessment) (*InitiateResult, error) {
	ctx, span := tracing.Tracer("mfa").Start(ctx, "mfa.IssueChallenge")
	defer span.End()

	mode := ModeLow
	if assessment.Score >= s.cfg.AbsoluteRiskFloor {
		mode = ModeHigh
	}
	span.SetAttributes(attribute.String("mfa.mode", string(mode)))

	nonce, err := newNonce(mode)
	if err != nil {
		return nil, apperrors.Internal("failed to generate challenge", err)
	}
	code, err := generateCode()
	if err != nil {
		return nil, apperrors.Internal("failed to generate challenge", err)
	}

	fields := map[string]interface{}{
		"user_id":    userID,
		"mode":       string(mode),
		"attempts":   0,
		"risk_score": assessment.Score,
		"issued_at":  s.now().UnixMilli(),
	}
	switch mode {
	case ModeHigh:
		salt, err := randomBytes(saltBytes)
		if err != nil {
			return nil, apperrors.Internal("failed to generate challenge", err)
		}
		proof, err := s.cfg.Scrypt.derive(code, salt)
		if err != nil {
			return nil, apperrors.Internal("failed to derive challenge proof", err)
		}
		fields["proof"] = encode(proof)
		fields["salt"] = encode(salt)
		fields["n"] = s.cfg.Scrypt.N
		fields["r"] = s.cfg.Scrypt.R
		fields["p"] = s.cfg.Scrypt.P
	default:
		fields["proof"] = encode(hashCode(code))
	}

	key := challengeKeyPrefix + nonce
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.cfg.ChallengeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.StoreUnavailable("mfa issue", err)
	}

	event := events.NewEvent(events.EventMFAChallengeDispatch, "mfa", map[string]interface{}{
		"user_id":    userID,
		"code":       code,
		"mode":       string(mode),
		"risk_score": assessment.Score,
		"reasons":    assessment.Reasons,
	}).WithUserID(userID)
	if err := s.bus.Publish(ctx, event); err != nil {
		// The code never reached the user, the challenge cannot be answered
		_ = s.redis.Del(context.WithoutCancel(ctx), key).Err()
		s.logger.Error("Challenge dispatch failed", zap.String("user_id", userID), zap.Error(err))
		return nil, apperrors.Internal("failed to dispatch challenge", err)
	}

	challengesIssuedTotal.WithLabelValues(string(mode)).Inc()
	s.logger.Info("Challenge issued",
		zap.String("user_id", userID),
		zap.String("mode", string(mode)),
		zap.Int("risk_score", assessment.Score))

	return &InitiateResult{
		MFARequired: true,
		Mode:        mode,
		Nonce:       nonce,
		ExpiresIn:   int(s.cfg.ChallengeTTL / time.Second),
		RiskScore:   assessment.Score,
	}, nil
}

// Verify checks code against the challenge identified by nonce. Unknown,
// expired, exhausted and already used challenges all yield
// SessionExpiredOrLocked after the same key derivation work a real HIGH
// tier check costs.
func (s *Service) Verify(ctx context.Context, nonce, code string) (*VerifyResult, error) {
	ctx, span := tracing.Tracer("mfa").Start(ctx, "mfa.Verify")
	defer span.End()

	nonce = strings.TrimSpace(nonce)
	code = strings.TrimSpace(code)

	if !validNonce(nonce) {
		return nil, s.locked("malformed_nonce")
	}

	key := challengeKeyPrefix + nonce
	vals, err := verifyScript.Run(ctx, s.redis, []string{key}).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, s.locked("unknown_nonce")
	}
	if err != nil {
		verificationsTotal.WithLabelValues("store_error").Inc()
		return nil, apperrors.StoreUnavailable("mfa verify", err)
	}

	ch, err := decodeChallenge(vals)
	if err != nil {
		s.logger.Error("Corrupt challenge record", zap.Error(err))
		return nil, s.locked("corrupt")
	}
	span.SetAttributes(
		attribute.String("mfa.mode", string(ch.Mode)),
		attribute.Int("mfa.attempts", ch.Attempts),
	)

	if ch.Attempts > s.cfg.MaxAttempts {
		return nil, s.locked("attempts_exhausted")
	}

	ok, err := ch.matches(code)
	if err != nil {
		s.logger.Error("Challenge proof check failed", zap.Error(err))
		return nil, s.locked("corrupt")
	}
	if !ok {
		verificationsTotal.WithLabelValues("invalid_code").Inc()
		s.logger.Warn("Invalid challenge code",
			zap.String("user_id", ch.UserID),
			zap.Int("attempt", ch.Attempts),
			zap.Int("max_attempts", s.cfg.MaxAttempts))
		return nil, apperrors.InvalidCode()
	}

	// Only the caller whose DEL removed the challenge wins
	deleted, err := s.redis.Del(ctx, key).Result()
	if err != nil {
		verificationsTotal.WithLabelValues("store_error").Inc()
		return nil, apperrors.StoreUnavailable("mfa verify", err)
	}
	if deleted != 1 {
		verificationsTotal.WithLabelValues("replayed").Inc()
		return nil, apperrors.SessionExpiredOrLocked()
	}

	verificationsTotal.WithLabelValues("verified").Inc()
	result := &VerifyResult{
		UserID:     ch.UserID,
		Status:     StatusVerified,
		Mode:       ch.Mode,
		RiskScore:  ch.RiskScore,
		RiskLevel:  risk.LevelForScore(ch.RiskScore),
		VerifiedAt: s.now().UTC(),
	}

	event := events.NewEvent(events.EventMFAVerified, "mfa", map[string]interface{}{
		"user_id": ch.UserID,
		"mode":    string(ch.Mode),
	}).WithUserID(ch.UserID)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish verification event", zap.Error(err))
	}

	return result, nil
}

// locked burns one key derivation and returns SessionExpiredOrLocked
func (s *Service) locked(reason string) error {
	_, _ = s.cfg.Scrypt.derive("000000", s.dummySalt)
	verificationsTotal.WithLabelValues(reason).Inc()
	return apperrors.SessionExpiredOrLocked()
}

func decodeChallenge(vals []interface{}) (*storedChallenge, error) {
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("odd field count %d", len(vals))
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		k, _ := vals[i].(string)
		v, _ := vals[i+1].(string)
		m[k] = v
	}

	ch := &storedChallenge{
		UserID: m["user_id"],
		Mode:   Mode(m["mode"]),
	}
	var err error
	if ch.Proof, err = decode(m["proof"]); err != nil {
		return nil, fmt.Errorf("proof: %w", err)
	}
	if ch.Attempts, err = strconv.Atoi(m["attempts"]); err != nil {
		return nil, fmt.Errorf("attempts: %w", err)
	}
	ch.RiskScore, _ = strconv.Atoi(m["risk_score"])
	if ms, err := strconv.ParseInt(m["issued_at"], 10, 64); err == nil {
		ch.IssuedAt = time.UnixMilli(ms)
	}

	if ch.Mode == ModeHigh {
		if ch.Salt, err = decode(m["salt"]); err != nil {
			return nil, fmt.Errorf("salt: %w", err)
		}
		ch.Params.N, _ = strconv.Atoi(m["n"])
		ch.Params.R, _ = strconv.Atoi(m["r"])
		ch.Params.P, _ = strconv.Atoi(m["p"])
	}
	return ch, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	return base64.StdEncoding.DecodeString(s)
}
