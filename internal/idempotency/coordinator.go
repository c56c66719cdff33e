// Package idempotency guarantees that a retried mutation runs at most once per
// idempotency key and that every retry observes the first response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/database"
	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/tracing"
)

const (
	lockKeyPrefix   = "idempotency:lock:"
	recordKeyPrefix = "idempotency:record:"

	// MaxKeyLength is the longest accepted raw idempotency key
	MaxKeyLength = 255
)

var outcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "idempotency_outcomes_total",
		Help:      "Idempotent executions by outcome",
	},
	[]string{"step", "outcome"},
)

// Response is the cached result of an operation
type Response struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type,omitempty"`

	// Replayed is set when the response came from a completed record
	Replayed bool `json:"-"`
}

// Operation is the mutation guarded by the coordinator. Returning an error
// releases the lock without recording anything so a retry can run it again.
type Operation func(ctx context.Context) (*Response, error)

// Config configures lock and record lifetimes
type Config struct {
	LockTTL      time.Duration
	RecordTTL    time.Duration
	InFlightWait time.Duration // 0 rejects concurrent duplicates immediately
	PollInterval time.Duration
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		LockTTL:      30 * time.Second,
		RecordTTL:    24 * time.Hour,
		PollInterval: 50 * time.Millisecond,
	}
}

// Coordinator runs operations under a per-key Redis lock and caches their results
type Coordinator struct {
	redis  redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// NewCoordinator creates an idempotency coordinator
func NewCoordinator(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Coordinator{
		redis:  rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// CanonicalKey normalizes a caller key into its step-scoped storage form
func CanonicalKey(rawKey, step string) (string, error) {
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return "", apperrors.ValidationError("idempotency key is required")
	}
	if len(key) > MaxKeyLength {
		return "", apperrors.ValidationError("idempotency key exceeds 255 characters")
	}
	if step == "" {
		return "", apperrors.ValidationError("idempotency step is required")
	}
	sum := sha256.Sum256([]byte(key))
	return step + ":" + hex.EncodeToString(sum[:]), nil
}

// Execute runs op once for (rawKey, step). A completed key replays its cached
// response without calling op. A key whose first attempt still holds the lock
// gets DuplicateInProgress, after waiting up to InFlightWait for the result.
// Store errors are returned as StoreUnavailable and op is never run without
// the lock.
func (c *Coordinator) Execute(ctx context.Context, rawKey, step string, op Operation) (*Response, error) {
	key, err := CanonicalKey(rawKey, step)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("idempotency").Start(ctx, "idempotency.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency.step", step))

	if resp, err := c.load(ctx, key); err != nil || resp != nil {
		if resp != nil {
			outcomesTotal.WithLabelValues(step, "replayed").Inc()
		}
		return resp, err
	}

	lockKey := lockKeyPrefix + key
	token := uuid.NewString()
	acquired, err := c.redis.SetNX(ctx, lockKey, token, c.cfg.LockTTL).Result()
	if err != nil {
		return nil, apperrors.StoreUnavailable("idempotency lock", err)
	}
	if !acquired {
		return c.awaitInFlight(ctx, key, step)
	}

	// The previous holder may have completed between our read and the SETNX
	resp, err := c.load(ctx, key)
	if err != nil || resp != nil {
		c.release(ctx, lockKey, token)
		if resp != nil {
			outcomesTotal.WithLabelValues(step, "replayed").Inc()
		}
		return resp, err
	}

	resp, err = c.run(ctx, op, step, lockKey, token)
	if err != nil {
		outcomesTotal.WithLabelValues(step, "failed").Inc()
		c.release(ctx, lockKey, token)
		return resp, err
	}
	if resp == nil {
		resp = &Response{Status: 200}
	}

	if err := c.persist(ctx, key, resp); err != nil {
		// The lock is left to expire so a retry cannot re-run the side effects
		// while the result is unrecorded.
		c.logger.Error("Failed to persist idempotency record",
			zap.String("step", step),
			zap.Error(err))
		outcomesTotal.WithLabelValues(step, "unrecorded").Inc()
		return resp, nil
	}

	c.release(ctx, lockKey, token)
	outcomesTotal.WithLabelValues(step, "executed").Inc()
	return resp, nil
}

// run calls op. A panic releases the lock unrecorded before it propagates,
// so a retry can run the operation again.
func (c *Coordinator) run(ctx context.Context, op Operation, step, lockKey, token string) (*Response, error) {
	defer func() {
		if r := recover(); r != nil {
			outcomesTotal.WithLabelValues(step, "failed").Inc()
			c.release(ctx, lockKey, token)
			panic(r)
		}
	}()
	return op(ctx)
}

func (c *Coordinator) load(ctx context.Context, key string) (*Response, error) {
	data, err := c.redis.Get(ctx, recordKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable("idempotency record read", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Internal("corrupt idempotency record", err)
	}
	resp.Replayed = true
	return &resp, nil
}

func (c *Coordinator) persist(ctx context.Context, key string, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.redis.Set(context.WithoutCancel(ctx), recordKeyPrefix+key, data, c.cfg.RecordTTL).Err()
}

func (c *Coordinator) release(ctx context.Context, lockKey, token string) {
	ok, err := database.CompareAndDelete(context.WithoutCancel(ctx), c.redis, lockKey, token)
	if err != nil {
		c.logger.Warn("Failed to release idempotency lock", zap.Error(err))
		return
	}
	if !ok {
		c.logger.Warn("Idempotency lock expired before release", zap.String("lock", lockKey))
	}
}

func (c *Coordinator) awaitInFlight(ctx context.Context, key, step string) (*Response, error) {
	if c.cfg.InFlightWait <= 0 {
		outcomesTotal.WithLabelValues(step, "in_progress").Inc()
		return nil, apperrors.DuplicateInProgress(step)
	}

	deadline := time.NewTimer(c.cfg.InFlightWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			outcomesTotal.WithLabelValues(step, "in_progress").Inc()
			return nil, apperrors.DuplicateInProgress(step)
		case <-ticker.C:
			resp, err := c.load(ctx, key)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				outcomesTotal.WithLabelValues(step, "replayed").Inc()
				return resp, nil
			}
		}
	}
}
