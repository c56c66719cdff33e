// Package main is the entry point for the trust service: rate limiting, risk
// scoring, adaptive MFA and idempotent mutation guarding over HTTP
package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/config"
	"github.com/trustcore/trustcore/internal/common/database"
	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/events"
	"github.com/trustcore/trustcore/internal/common/health"
	"github.com/trustcore/trustcore/internal/common/logger"
	"github.com/trustcore/trustcore/internal/common/middleware"
	"github.com/trustcore/trustcore/internal/common/resilience"
	"github.com/trustcore/trustcore/internal/common/shutdown"
	"github.com/trustcore/trustcore/internal/common/tracing"
	"github.com/trustcore/trustcore/internal/geo"
	"github.com/trustcore/trustcore/internal/idempotency"
	"github.com/trustcore/trustcore/internal/mfa"
	"github.com/trustcore/trustcore/internal/ratelimit"
	"github.com/trustcore/trustcore/internal/risk"
	"github.com/trustcore/trustcore/internal/trust"
)

const serviceName = "trust-service"

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal("Failed to load configuration", zap.Error(err))
	}

	log := logger.NewFor(cfg.Environment, cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting trust service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)
	cfg.LogSecurityWarnings(log)

	// Initialize tracing
	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		SampleRate:     cfg.Tracing.SampleRate,
	}, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	// Error reporting
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Environment,
			Release:          serviceName + "@" + Version,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			log.Warn("Failed to initialize Sentry", zap.Error(err))
		}
	}

	// Initialize Redis connection
	redis, err := database.NewRedisFromConfig(cfg.RedisOptions())
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)
	healthService.RegisterCheck(health.NewRedisChecker(redis))

	breakers := resilience.NewRegistry()
	lifecycle := shutdown.NewManager(log, 30*time.Second)
	bgCtx := lifecycle.Context()

	// Risk settings: PostgreSQL when configured, otherwise the static table
	var (
		settingsSource risk.SettingsSource
		policyStore    trust.CountryPolicyStore
		db             *database.PostgresDB
	)
	if cfg.DatabaseURL != "" {
		db, err = database.NewPostgres(bgCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		if err := db.Migrate(bgCtx, log); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
		pgSource := risk.NewPostgresSettingsSource(db.Pool)
		settingsSource, policyStore = pgSource, pgSource
		healthService.RegisterCheck(health.NewPostgresChecker(db))
	} else {
		log.Info("No database configured, using static risk settings")
		settingsSource = risk.NewStaticSettingsSource(staticSettings(cfg.Risk))
	}

	settings := risk.NewSettingsProvider(settingsSource, cfg.Risk.SettingsRefreshInterval, cfg.Risk.MaxStaleness, log)
	if err := settings.Refresh(bgCtx); err != nil {
		log.Warn("Initial risk settings fetch failed, serving hardened defaults", zap.Error(err))
	}
	lifecycle.Go("risk-settings", settings.Run)

	// Geolocation
	geoDB, closeGeo := geoDatabase(cfg.Geo, breakers, log)
	geoQueue := geo.NewRefreshQueue(redis.Client)
	resolver := geo.NewResolver(redis.Client, geoDB, geoQueue, geo.Config{
		PrimaryTTL:      cfg.Geo.PrimaryTTL,
		StaleTTL:        cfg.Geo.StaleTTL,
		HitCounterTTL:   cfg.Geo.HitCounterTTL,
		MinRefreshDelay: cfg.Geo.MinRefreshDelay,
		LookupTimeout:   cfg.Geo.LookupTimeout,
	}, log)
	refreshPool := geo.NewRefreshPool(geoQueue, resolver, cfg.Geo.RefreshWorkers, cfg.Geo.PollInterval, log)
	lifecycle.Go("geo-refresh", refreshPool.Run)
	healthService.RegisterCheck(health.NewBreakerChecker("geo-providers", breakers))

	// Events: challenge codes leave the process through a Redis list
	bus := events.NewMemoryBus()
	bus.SetErrorHandler(func(err error) {
		log.Warn("Event handler failed", zap.Error(err))
	})
	events.NewRedisForwarder(redis.Client, "trustcore:outbox:mfa", cfg.MFA.ChallengeTTL, log).
		Attach(bus, events.EventMFAChallengeDispatch)

	// Rate limiting and replay protection
	limiter := ratelimit.NewLimiter(redis.Client, cfg.RateLimits, log)
	cfg.WatchRateLimits(log, func(rules ratelimit.Rules) {
		limiter.UpdateRules(rules)
		_ = bus.Publish(bgCtx, events.NewEvent(events.EventConfigReloaded, serviceName, map[string]interface{}{
			"section":    "rate_limits",
			"categories": len(rules),
		}))
	})
	replay := ratelimit.NewReplayGuard(redis.Client, ratelimit.ReplayConfig{
		Window:      cfg.Replay.Window,
		MaxRepeats:  cfg.Replay.MaxRepeats,
		BanDuration: cfg.Replay.BanDuration,
	}, log)

	coordinator := idempotency.NewCoordinator(redis.Client, idempotency.Config{
		LockTTL:      cfg.Idempotency.LockTTL,
		RecordTTL:    cfg.Idempotency.RecordTTL,
		InFlightWait: cfg.Idempotency.InFlightWait,
		PollInterval: idempotency.DefaultConfig().PollInterval,
	}, log)

	// Scoring and step-up
	scorer := risk.NewScorer(resolver, settings, redis.Client, cfg.Risk.VelocityWindow, log)
	mfaService, err := mfa.NewService(redis.Client, scorer, bus, mfa.Config{
		ChallengeTTL:      cfg.MFA.ChallengeTTL,
		MaxAttempts:       cfg.MFA.MaxAttempts,
		AbsoluteRiskFloor: cfg.MFA.AbsoluteRiskFloor,
		Scrypt:            mfa.ScryptParams{N: cfg.MFA.ScryptN, R: cfg.MFA.ScryptR, P: cfg.MFA.ScryptP},
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize MFA service", zap.Error(err))
	}

	audit := logger.NewAuditLogger(log)
	gate := trust.NewGate(limiter, scorer, mfaService, bus, audit, log)
	handler := trust.NewHandler(trust.HandlerDeps{
		Gate:          gate,
		Scorer:        scorer,
		Geo:           resolver,
		MFA:           mfaService,
		Limiter:       limiter,
		Replay:        replay,
		Idempotency:   coordinator,
		Bus:           bus,
		Audit:         audit,
		Policies:      policyStore,
		Settings:      settings,
		OperatorToken: cfg.OperatorToken,
	}, log)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(apperrors.ErrorHandler())
	router.Use(logger.RequestID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.CORS())
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	router.Use(middleware.PrometheusMetrics(serviceName))
	if cfg.EnableRateLimit {
		router.Use(middleware.RateLimit(limiter, ratelimit.CategoryDefault, middleware.ClientIPIdentity, log))
	}

	router.GET("/metrics", middleware.MetricsHandler())
	healthService.RegisterStandardRoutes(router)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lifecycle.OnShutdown("redis", func(context.Context) error { return redis.Close() })
	lifecycle.OnShutdown("geoip", func(context.Context) error { return closeGeo() })
	if db != nil {
		lifecycle.OnShutdown("postgres", func(context.Context) error { return db.Close() })
	}
	lifecycle.OnShutdown("sentry", func(context.Context) error {
		sentry.Flush(2 * time.Second)
		return nil
	})
	lifecycle.OnShutdown("tracing", shutdownTracer)

	if err := lifecycle.Serve("http", server); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	if err := lifecycle.Wait(); err != nil {
		log.Error("Trust service stopped on server failure", zap.Error(err))
	}
	log.Info("Server exited")
}

// staticSettings builds the settings snapshot served when no database is configured
func staticSettings(rc config.RiskConfig) *risk.Settings {
	s := risk.DefaultSettings().WithOverrides(map[string]float64{
		risk.OverrideHighAmount:              rc.HighAmount,
		risk.OverrideHighGeoRiskScore:        float64(rc.HighGeoRiskScore),
		risk.OverrideVelocityLimit:           float64(rc.VelocityLimit),
		risk.OverrideChallengeScoreThreshold: float64(rc.ChallengeScoreThreshold),
		risk.OverrideBlockScoreThreshold:     float64(rc.BlockScoreThreshold),
		risk.OverrideImpossibleTravelKm:      rc.ImpossibleTravelKm,
		risk.OverrideAbsoluteHighValue:       rc.AbsoluteHighValue,
		risk.OverridePaymentChallengeAmount:  rc.PaymentChallengeAmount,
	})
	if rc.ReferenceCurrency != "" {
		s.ReferenceCurrency = rc.ReferenceCurrency
	}
	for iso, status := range rc.CountryPolicies {
		s.CountryPolicies[strings.ToUpper(iso)] = risk.ParseCountryStatus(status)
	}
	for currency, rate := range rc.CurrencyRates {
		if rate > 0 {
			s.CurrencyRates[strings.ToUpper(currency)] = rate
		}
	}
	return s
}

// geoDatabase chains the local MaxMind database with the ip-api fallback.
// The returned func releases the MaxMind reader.
func geoDatabase(gc config.GeoConfig, breakers *resilience.Registry, log *zap.Logger) (geo.GeoDatabase, func() error) {
	var chain geo.ChainDatabase
	closer := func() error { return nil }
	if gc.MaxMindDBPath != "" {
		mm, err := geo.OpenMaxMind(gc.MaxMindDBPath)
		if err != nil {
			log.Warn("MaxMind database unavailable", zap.String("path", gc.MaxMindDBPath), zap.Error(err))
		} else {
			chain = append(chain, mm)
			closer = mm.Close
		}
	}
	if gc.IPAPIEnabled {
		cb := resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "ip-api",
			Threshold: 5,
			Cooldown:  30 * time.Second,
			Logger:    log,
		})
		breakers.Register(cb)
		chain = append(chain, geo.NewIPAPIDatabase(gc.IPAPIURL, gc.LookupTimeout, cb))
	}
	if len(chain) == 0 {
		log.Warn("No geolocation provider configured, every lookup resolves to unknown")
	}
	return chain, closer
}
