// Package ratelimit implements per-identity window counters with ban
// escalation and a replay guard for duplicate deliveries. All state lives in
// Redis; when Redis is unreachable both fail open.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
)

// Redis key prefixes
const (
	counterKeyPrefix = "ratelimit:"
	banKeyPrefix     = "ratelimit:ban:"
)

// allowScript checks the identity ban, increments the window counter and
// writes a ban when the limit is exceeded, all in one step.
//
// KEYS[1] counter, KEYS[2] ban
// ARGV[1] window ms, ARGV[2] max, ARGV[3] ban ms (0 disables), ARGV[4] ban reason
// Returns {count, ttl ms, banned}; count is -1 when an existing ban short-circuits.
var allowScript = redis.NewScript(`
local banTTL = redis.call('PTTL', KEYS[2])
if banTTL > 0 then
	return {-1, banTTL, 1}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if count > tonumber(ARGV[2]) and tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[3])
	return {count, tonumber(ARGV[3]), 1}
end
return {count, redis.call('PTTL', KEYS[1]), 0}
`)

// Result describes the limiter's decision for one request
type Result struct {
	Allowed      bool
	Category     string
	Limit        int
	Remaining    int
	RetryAfter   time.Duration
	SoftBanDelay time.Duration
	Banned       bool
	FailOpen     bool
}

// Status is an operator view of an identity's limiter state
type Status struct {
	Identity      string        `json:"identity"`
	Category      string        `json:"category"`
	Count         int64         `json:"count"`
	Limit         int           `json:"limit"`
	WindowResetIn time.Duration `json:"window_reset_in"`
	Banned        bool          `json:"banned"`
	BanReason     string        `json:"ban_reason,omitempty"`
	BanExpiresIn  time.Duration `json:"ban_expires_in,omitempty"`
}

// Limiter enforces the rules table against a shared Redis
type Limiter struct {
	redis   redis.UniversalClient
	rules   atomic.Pointer[Rules]
	timeout time.Duration
	logger  *zap.Logger
}

// NewLimiter creates a limiter over the given rules table
func NewLimiter(rdb redis.UniversalClient, rules Rules, logger *zap.Logger) *Limiter {
	l := &Limiter{
		redis:   rdb,
		timeout: 200 * time.Millisecond,
		logger:  logger.With(zap.String("component", "ratelimit")),
	}
	l.UpdateRules(rules)
	return l
}

// UpdateRules atomically swaps the rules table. In-flight windows keep their
// counters; the new limits apply from the next request.
func (l *Limiter) UpdateRules(rules Rules) {
	copied := make(Rules, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	l.rules.Store(&copied)
}

// Rules returns the active rules table
func (l *Limiter) Rules() Rules {
	return *l.rules.Load()
}

// Allow records a request from identity in category. A limited request returns
// both the Result and a RateLimited error.
func (l *Limiter) Allow(ctx context.Context, identity, category string) (*Result, error) {
	if identity == "" {
		return nil, apperrors.ValidationError("rate limit identity is required")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	rule, ok := l.Rules().lookup(category)
	if !ok {
		return l.banOnly(ctx, identity, category)
	}

	keys := []string{counterKey(category, identity), banKey(identity)}
	raw, err := allowScript.Run(ctx, l.redis, keys,
		rule.Window().Milliseconds(),
		rule.Max,
		rule.BanDuration().Milliseconds(),
		"rate_limit:"+category,
	).Int64Slice()
	if err != nil {
		rlFailOpenTotal.WithLabelValues("limiter").Inc()
		l.logger.Warn("Rate limit Redis error, failing open",
			zap.String("category", category),
			zap.Error(err))
		return &Result{Allowed: true, Category: category, Limit: rule.Max, Remaining: rule.Max, FailOpen: true}, nil
	}
	if len(raw) != 3 {
		rlFailOpenTotal.WithLabelValues("limiter").Inc()
		l.logger.Error("Unexpected rate limit script reply", zap.Int64s("reply", raw))
		return &Result{Allowed: true, Category: category, Limit: rule.Max, Remaining: rule.Max, FailOpen: true}, nil
	}

	count, ttl, banned := raw[0], time.Duration(raw[1])*time.Millisecond, raw[2] == 1
	res := &Result{
		Category:     category,
		Limit:        rule.Max,
		Remaining:    remaining(rule.Max, count),
		RetryAfter:   ttl,
		SoftBanDelay: rule.SoftBanDelay(),
		Banned:       banned,
	}

	switch {
	case count < 0:
		rlHitsTotal.WithLabelValues(category, "banned").Inc()
		res.Remaining = 0
		return res, apperrors.RateLimited(category, retrySeconds(ttl))
	case count > int64(rule.Max):
		rlHitsTotal.WithLabelValues(category, "exceeded").Inc()
		if banned {
			rlBansTotal.WithLabelValues(category).Inc()
			l.logger.Warn("Identity banned after exceeding rate limit",
				zap.String("identity", identity),
				zap.String("category", category),
				zap.Duration("ban", ttl))
		}
		return res, apperrors.RateLimited(category, retrySeconds(ttl))
	}

	res.Allowed = true
	res.SoftBanDelay = 0
	return res, nil
}

// banOnly handles a category without a rule: nothing is counted, but an
// active ban still rejects the request.
func (l *Limiter) banOnly(ctx context.Context, identity, category string) (*Result, error) {
	ttl, err := l.redis.PTTL(ctx, banKey(identity)).Result()
	if err != nil {
		rlFailOpenTotal.WithLabelValues("limiter").Inc()
		l.logger.Warn("Rate limit Redis error, failing open",
			zap.String("category", category),
			zap.Error(err))
		return &Result{Allowed: true, Category: category, FailOpen: true}, nil
	}
	if ttl <= 0 {
		return &Result{Allowed: true, Category: category}, nil
	}
	rlHitsTotal.WithLabelValues(category, "banned").Inc()
	return &Result{Category: category, RetryAfter: ttl, Banned: true},
		apperrors.RateLimited(category, retrySeconds(ttl))
}

// Unban removes an identity's ban. It reports whether a ban existed.
func (l *Limiter) Unban(ctx context.Context, identity string) (bool, error) {
	n, err := l.redis.Del(ctx, banKey(identity)).Result()
	if err != nil {
		return false, apperrors.StoreUnavailable("unban", err)
	}
	if n > 0 {
		l.logger.Info("Identity unbanned", zap.String("identity", identity))
	}
	return n > 0, nil
}

// Status reports the counter and ban state for an identity without
// recording a request
func (l *Limiter) Status(ctx context.Context, identity, category string) (*Status, error) {
	rule, _ := l.Rules().lookup(category)

	pipe := l.redis.Pipeline()
	countCmd := pipe.Get(ctx, counterKey(category, identity))
	windowCmd := pipe.PTTL(ctx, counterKey(category, identity))
	banCmd := pipe.Get(ctx, banKey(identity))
	banTTLCmd := pipe.PTTL(ctx, banKey(identity))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.StoreUnavailable("rate limit status", err)
	}

	st := &Status{Identity: identity, Category: category, Limit: rule.Max}
	if count, err := countCmd.Int64(); err == nil {
		st.Count = count
		st.WindowResetIn = positive(windowCmd.Val())
	}
	if reason, err := banCmd.Result(); err == nil {
		st.Banned = true
		st.BanReason = reason
		st.BanExpiresIn = positive(banTTLCmd.Val())
	}
	return st, nil
}

func counterKey(category, identity string) string {
	return fmt.Sprintf("%s%s:%s", counterKeyPrefix, category, identity)
}

func banKey(identity string) string {
	return banKeyPrefix + identity
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}

// retrySeconds rounds a TTL up to whole seconds, at least one
func retrySeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// reservedCategory reports names that would collide with other key spaces
func reservedCategory(category string) bool {
	return category == "ban" || strings.Contains(category, ":")
}
