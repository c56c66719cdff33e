package geo

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/database"
	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/tracing"
)

// Redis key prefixes for cached records
const (
	recordKeyPrefix = "geo:record:"
	staleKeyPrefix  = "geo:stale:"
	hitsKeyPrefix   = "geo:hits:"
)

// maxPriority caps the refresh priority derived from hit counts
const maxPriority = 10

var (
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "geo_lookups_total",
			Help:      "Geo lookups by cache result",
		},
		[]string{"result"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "geo_refresh_total",
			Help:      "Background geo refreshes by outcome",
		},
		[]string{"outcome"},
	)
)

// Config configures cache lifetimes and refresh scheduling
type Config struct {
	PrimaryTTL      time.Duration
	StaleTTL        time.Duration // extra time a record may be served stale
	HitCounterTTL   time.Duration
	MinRefreshDelay time.Duration
	LookupTimeout   time.Duration
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() Config {
	return Config{
		PrimaryTTL:      24 * time.Hour,
		StaleTTL:        time.Hour,
		HitCounterTTL:   24 * time.Hour,
		MinRefreshDelay: 5 * time.Minute,
		LookupTimeout:   3 * time.Second,
	}
}

// Resolver maps IPs to locations using a Redis cache in front of a GeoDatabase
type Resolver struct {
	redis  redis.UniversalClient
	db     GeoDatabase
	queue  *RefreshQueue
	cfg    Config
	logger *zap.Logger
}

// NewResolver creates a resolver. Stale hits are scheduled on queue.
func NewResolver(rdb redis.UniversalClient, db GeoDatabase, queue *RefreshQueue, cfg Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		redis:  rdb,
		db:     db,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "geo")),
	}
}

// Lookup returns the location of ip. Addresses that cannot carry a location
// return nil without touching the store. A fresh cached record is returned
// as is; a stale one is returned and a background refresh is scheduled; a
// miss queries the database synchronously and caches the result.
func (r *Resolver) Lookup(ctx context.Context, ip string) (*GeoRecord, error) {
	addr, ok := PublicAddr(ip)
	if !ok {
		lookupsTotal.WithLabelValues("skipped").Inc()
		return nil, nil
	}

	ctx, span := tracing.Tracer("geo").Start(ctx, "geo.Lookup")
	defer span.End()

	hits := r.countHit(ctx, addr)

	pipe := r.redis.Pipeline()
	freshCmd := pipe.Get(ctx, recordKeyPrefix+addr)
	staleCmd := pipe.Get(ctx, staleKeyPrefix+addr)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("Geo cache read failed, querying database", zap.Error(err))
	}

	if rec := decode(freshCmd); rec != nil {
		lookupsTotal.WithLabelValues("fresh").Inc()
		span.SetAttributes(attribute.String("geo.cache", "fresh"))
		return rec, nil
	}
	if rec := decode(staleCmd); rec != nil {
		lookupsTotal.WithLabelValues("stale").Inc()
		span.SetAttributes(attribute.String("geo.cache", "stale"))
		r.scheduleRefresh(ctx, addr, hits)
		return rec, nil
	}

	lookupsTotal.WithLabelValues("miss").Inc()
	span.SetAttributes(attribute.String("geo.cache", "miss"))
	rec, err := r.fetch(ctx, addr)
	if err != nil {
		lookupsTotal.WithLabelValues("error").Inc()
		return nil, apperrors.GeoLookupFailed(addr, err)
	}
	return rec, nil
}

// Refresh re-queries the database for ip and rewrites both cache entries. On
// failure the existing entries are left untouched.
func (r *Resolver) Refresh(ctx context.Context, ip string) error {
	addr, ok := PublicAddr(ip)
	if !ok {
		return nil
	}
	_, err := r.fetch(ctx, addr)
	return err
}

// Invalidate drops every cached entry for ip
func (r *Resolver) Invalidate(ctx context.Context, ip string) error {
	addr, ok := PublicAddr(ip)
	if !ok {
		return nil
	}
	if err := r.redis.Del(ctx, recordKeyPrefix+addr, staleKeyPrefix+addr).Err(); err != nil {
		return apperrors.StoreUnavailable("geo invalidate", err)
	}
	return nil
}

// RefreshDelay is how long a stale hit waits before its refresh runs. Hot IPs
// refresh sooner, never earlier than minDelay.
func RefreshDelay(primaryTTL, minDelay time.Duration, hits int64) time.Duration {
	if hits < 1 {
		hits = 1
	}
	delay := time.Duration(float64(primaryTTL) / (math.Log(float64(hits)+1) * 2))
	if delay < minDelay {
		return minDelay
	}
	return delay
}

// RefreshPriority orders due refreshes; busier IPs go first
func RefreshPriority(hits int64) int {
	if hits > maxPriority {
		return maxPriority
	}
	if hits < 0 {
		return 0
	}
	return int(hits)
}

func (r *Resolver) fetch(ctx context.Context, addr string) (*GeoRecord, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()

	raw, err := r.db.Lookup(lookupCtx, addr)
	if err != nil {
		r.logger.Warn("Geo database lookup failed",
			zap.String("ip", addr),
			zap.String("database", r.db.Name()),
			zap.Error(err))
		return nil, err
	}

	rec := normalize(addr, raw)
	r.store(ctx, rec)
	return rec, nil
}

func (r *Resolver) store(ctx context.Context, rec *GeoRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.IP, data, r.cfg.PrimaryTTL)
	pipe.Set(ctx, staleKeyPrefix+rec.IP, data, r.cfg.PrimaryTTL+r.cfg.StaleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Failed to cache geo record", zap.String("ip", rec.IP), zap.Error(err))
	}
}

func (r *Resolver) countHit(ctx context.Context, addr string) int64 {
	hits, err := database.IncrWithExpiry(ctx, r.redis, hitsKeyPrefix+addr, r.cfg.HitCounterTTL)
	if err != nil {
		return 1
	}
	return hits
}

func (r *Resolver) scheduleRefresh(ctx context.Context, addr string, hits int64) {
	if r.queue == nil {
		return
	}
	delay := RefreshDelay(r.cfg.PrimaryTTL, r.cfg.MinRefreshDelay, hits)
	queued, err := r.queue.Enqueue(ctx, addr, delay, RefreshPriority(hits))
	if err != nil {
		r.logger.Warn("Failed to schedule geo refresh", zap.String("ip", addr), zap.Error(err))
		return
	}
	if queued {
		r.logger.Debug("Geo refresh scheduled",
			zap.String("ip", addr),
			zap.Duration("delay", delay),
			zap.Int64("hits", hits))
	}
}

func decode(cmd *redis.StringCmd) *GeoRecord {
	data, err := cmd.Bytes()
	if err != nil {
		return nil
	}
	var rec GeoRecord
	if json.Unmarshal(data, &rec) != nil {
		return nil
	}
	return &rec
}
