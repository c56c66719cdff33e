package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
)

const (
	replaySeenPrefix    = "replay:seen:"
	replayRepeatsPrefix = "replay:repeats:"
)

// Replay outcomes returned by replayScript
const (
	replayFirst     = 0
	replayDuplicate = 1
	replayBanned    = 2
)

// replayScript marks a delivery as seen and counts repeats inside the window.
//
// KEYS[1] seen, KEYS[2] repeats, KEYS[3] ban
// ARGV[1] window ms, ARGV[2] max repeats, ARGV[3] ban ms, ARGV[4] ban reason
// Returns {outcome, ttl ms}.
var replayScript = redis.NewScript(`
local banTTL = redis.call('PTTL', KEYS[3])
if banTTL > 0 then
	return {2, banTTL}
end
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
	return {0, 0}
end
local repeats = redis.call('INCR', KEYS[2])
if repeats == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
if repeats >= tonumber(ARGV[2]) then
	redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[3])
	return {2, tonumber(ARGV[3])}
end
return {1, redis.call('PTTL', KEYS[1])}
`)

// ReplayConfig configures the replay guard
type ReplayConfig struct {
	Window      time.Duration // how long a delivery is remembered
	MaxRepeats  int           // duplicates inside Window before a ban
	BanDuration time.Duration
}

// DefaultReplayConfig returns the default replay guard configuration
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Window:      60 * time.Second,
		MaxRepeats:  5,
		BanDuration: 15 * time.Minute,
	}
}

// ReplayGuard rejects duplicate deliveries and bans identities that keep
// replaying them
type ReplayGuard struct {
	redis   redis.UniversalClient
	cfg     ReplayConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewReplayGuard creates a replay guard
func NewReplayGuard(rdb redis.UniversalClient, cfg ReplayConfig, logger *zap.Logger) *ReplayGuard {
	return &ReplayGuard{
		redis:   rdb,
		cfg:     cfg,
		timeout: 200 * time.Millisecond,
		logger:  logger.With(zap.String("component", "replay_guard")),
	}
}

// Check records a delivery identified by fingerprint from identity within
// scope. Duplicates return ReplayDetected; once an identity has repeated
// MaxRepeats deliveries inside the window it is banned and gets RateLimited.
func (g *ReplayGuard) Check(ctx context.Context, scope, identity, fingerprint string) error {
	if scope == "" || identity == "" || fingerprint == "" {
		return apperrors.ValidationError("replay scope, identity and fingerprint are required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	keys := []string{
		fmt.Sprintf("%s%s:%s:%s", replaySeenPrefix, scope, identity, hashFingerprint(fingerprint)),
		fmt.Sprintf("%s%s:%s", replayRepeatsPrefix, scope, identity),
		banKey(identity),
	}
	raw, err := replayScript.Run(ctx, g.redis, keys,
		g.cfg.Window.Milliseconds(),
		g.cfg.MaxRepeats,
		g.cfg.BanDuration.Milliseconds(),
		"replay:"+scope,
	).Int64Slice()
	if err != nil || len(raw) != 2 {
		rlFailOpenTotal.WithLabelValues("replay_guard").Inc()
		g.logger.Warn("Replay guard Redis error, failing open",
			zap.String("scope", scope),
			zap.Error(err))
		return nil
	}

	ttl := time.Duration(raw[1]) * time.Millisecond
	switch raw[0] {
	case replayFirst:
		return nil
	case replayDuplicate:
		replayRejectedTotal.WithLabelValues(scope).Inc()
		g.logger.Info("Duplicate delivery rejected",
			zap.String("scope", scope),
			zap.String("identity", identity))
		return apperrors.ReplayDetected(scope)
	case replayBanned:
		rlHitsTotal.WithLabelValues("replay:"+scope, "banned").Inc()
		g.logger.Warn("Identity banned for repeated replays",
			zap.String("scope", scope),
			zap.String("identity", identity),
			zap.Duration("ban", ttl))
		return apperrors.RateLimited("replay:"+scope, retrySeconds(ttl))
	}
	return nil
}

// Fingerprint derives a delivery fingerprint from request parts, for callers
// that have no delivery ID
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFingerprint(fp string) string {
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:16])
}
