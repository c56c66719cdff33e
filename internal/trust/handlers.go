package trust

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/events"
	"github.com/trustcore/trustcore/internal/common/logger"
	"github.com/trustcore/trustcore/internal/common/middleware"
	"github.com/trustcore/trustcore/internal/geo"
	"github.com/trustcore/trustcore/internal/idempotency"
	"github.com/trustcore/trustcore/internal/mfa"
	"github.com/trustcore/trustcore/internal/ratelimit"
	"github.com/trustcore/trustcore/internal/risk"
)

// DeliveryIDHeader carries a webhook provider's delivery identifier
const DeliveryIDHeader = "X-Delivery-ID"

const maxWebhookBody = 1 << 20

// GeoService resolves and evicts cached locations
type GeoService interface {
	Lookup(ctx context.Context, ip string) (*geo.GeoRecord, error)
	Invalidate(ctx context.Context, ip string) error
}

// MFAService runs the adaptive step-up protocol
type MFAService interface {
	Initiate(ctx context.Context, in risk.AssessInput) (*mfa.InitiateResult, error)
	Verify(ctx context.Context, nonce, code string) (*mfa.VerifyResult, error)
}

// CountryPolicyStore persists per-country policies
type CountryPolicyStore interface {
	SetCountryPolicy(ctx context.Context, iso string, status risk.CountryStatus) error
}

// SettingsRefresher reloads the scorer's settings snapshot
type SettingsRefresher interface {
	Refresh(ctx context.Context) error
}

// HandlerDeps are the collaborators behind the HTTP surface. Policies and
// Settings are optional; without them the country policy route answers 404.
type HandlerDeps struct {
	Gate          *Gate
	Scorer        Assessor
	Geo           GeoService
	MFA           MFAService
	Limiter       *ratelimit.Limiter
	Replay        *ratelimit.ReplayGuard
	Idempotency   *idempotency.Coordinator
	Bus           events.Bus
	Audit         *logger.AuditLogger
	Policies      CountryPolicyStore
	Settings      SettingsRefresher
	OperatorToken string
}

// Handler serves the trust API
type Handler struct {
	deps   HandlerDeps
	logger *zap.Logger
}

// NewHandler creates the trust API handler
func NewHandler(deps HandlerDeps, log *zap.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: log.With(zap.String("component", "trust-api")),
	}
}

// RegisterRoutes mounts the public and operator routes on router
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")

	v1.POST("/trust/evaluate", h.evaluate)
	v1.POST("/risk/assess", h.assess)
	v1.GET("/geo/:ip", h.lookupGeo)

	// Initiate and verify share the step-up budget of the caller's IP
	stepUp := middleware.RateLimit(h.deps.Limiter, ratelimit.CategoryStepUp, middleware.ClientIPIdentity, h.logger)
	mfaGroup := v1.Group("/mfa")
	mfaGroup.POST("/initiate", stepUp, middleware.Idempotency(h.deps.Idempotency, "mfa-initiate"), h.initiateMFA)
	mfaGroup.POST("/verify", stepUp, h.verifyMFA)

	v1.POST("/webhooks/:provider",
		middleware.RateLimit(h.deps.Limiter, ratelimit.CategoryWebhook, middleware.ClientIPIdentity, h.logger),
		middleware.IdempotencyWithKey(h.deps.Idempotency, "webhook", func(c *gin.Context) string {
			if id := c.GetHeader(DeliveryIDHeader); id != "" {
				return c.Param("provider") + ":" + id
			}
			return ""
		}),
		h.receiveWebhook)

	ops := v1.Group("/ops", middleware.RequireOperatorToken(h.deps.OperatorToken))
	ops.GET("/ratelimit/:identity", h.rateLimitStatus)
	ops.DELETE("/bans/:identity", h.unban)
	ops.DELETE("/geo/:ip", h.invalidateGeo)
	ops.PUT("/countries/:iso", h.setCountryPolicy)
}

func (h *Handler) evaluate(c *gin.Context) {
	var req GateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.IP) == "" {
		req.IP = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	decision, err := h.deps.Gate.Evaluate(c.Request.Context(), req)
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrRiskBlocked) {
			c.Set(logger.DecisionKey, string(risk.ActionBlock))
		}
		apperrors.HandleError(c, err)
		return
	}
	c.Set(logger.DecisionKey, string(decision.Action))
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) assess(c *gin.Context) {
	var in risk.AssessInput
	if err := c.ShouldBindJSON(&in); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("invalid request body: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, h.deps.Scorer.Assess(c.Request.Context(), in))
}

func (h *Handler) lookupGeo(c *gin.Context) {
	ip := c.Param("ip")
	rec, err := h.deps.Geo.Lookup(c.Request.Context(), ip)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "geo": rec})
}

func (h *Handler) initiateMFA(c *gin.Context) {
	var in risk.AssessInput
	if err := c.ShouldBindJSON(&in); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(in.IP) == "" {
		in.IP = c.ClientIP()
	}

	result, err := h.deps.MFA.Initiate(c.Request.Context(), in)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type verifyRequest struct {
	Nonce string `json:"mfa_nonce" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

func (h *Handler) verifyMFA(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("mfa_nonce and code are required"))
		return
	}

	result, err := h.deps.MFA.Verify(c.Request.Context(), req.Nonce, req.Code)
	if err != nil {
		var appErr *apperrors.AppError
		reason := apperrors.ErrInternal
		if errors.As(err, &appErr) {
			reason = appErr.Code
		}
		h.deps.Audit.LogChallengeRejected(string(reason))
		h.publish(c.Request.Context(), events.NewEvent(events.EventMFAFailed, "trust", map[string]interface{}{
			"reason": string(reason),
			"ip":     c.ClientIP(),
		}))
		apperrors.HandleError(c, err)
		return
	}

	h.deps.Audit.LogChallengeVerified(result.UserID, string(result.Mode), result.RiskScore)
	c.JSON(http.StatusOK, result)
}

func (h *Handler) receiveWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("webhook body too large or unreadable"))
		return
	}
	if len(body) == 0 {
		apperrors.HandleError(c, apperrors.ValidationError("webhook body is required"))
		return
	}

	ctx := c.Request.Context()
	fingerprint := ratelimit.Fingerprint([]byte(provider), body)
	if err := h.deps.Replay.Check(ctx, provider, c.ClientIP(), fingerprint); err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrReplayDetected) || apperrors.IsErrorCode(err, apperrors.ErrRateLimit) {
			h.deps.Audit.LogRateLimited(c.ClientIP(), "webhook:"+provider, apperrors.IsErrorCode(err, apperrors.ErrRateLimit))
			h.publish(ctx, events.NewEvent(events.EventReplayDetected, "trust", map[string]interface{}{
				"provider":    provider,
				"ip":          c.ClientIP(),
				"delivery_id": c.GetHeader(DeliveryIDHeader),
			}))
		}
		apperrors.HandleError(c, err)
		return
	}

	event := events.NewEvent(events.EventWebhookReceived, "trust", map[string]interface{}{
		"provider":    provider,
		"delivery_id": c.GetHeader(DeliveryIDHeader),
		"fingerprint": fingerprint,
		"body":        string(body),
	})
	if err := h.deps.Bus.Publish(ctx, event); err != nil {
		apperrors.HandleError(c, apperrors.Internal("Failed to accept webhook", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": event.ID})
}

func (h *Handler) rateLimitStatus(c *gin.Context) {
	category := c.DefaultQuery("category", ratelimit.CategoryDefault)
	st, err := h.deps.Limiter.Status(c.Request.Context(), c.Param("identity"), category)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) unban(c *gin.Context) {
	identity := c.Param("identity")
	existed, err := h.deps.Limiter.Unban(c.Request.Context(), identity)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "unbanned": existed})
}

func (h *Handler) invalidateGeo(c *gin.Context) {
	if err := h.deps.Geo.Invalidate(c.Request.Context(), c.Param("ip")); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type countryPolicyRequest struct {
	Status string `json:"status" binding:"required,oneof=normal challenge blocked"`
}

func (h *Handler) setCountryPolicy(c *gin.Context) {
	if h.deps.Policies == nil {
		apperrors.HandleError(c, apperrors.NotFound("country policy store"))
		return
	}
	iso := strings.ToUpper(c.Param("iso"))
	if len(iso) != 2 {
		apperrors.HandleError(c, apperrors.ValidationError("country code must be ISO 3166-1 alpha-2"))
		return
	}
	var req countryPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("status must be one of normal, challenge, blocked"))
		return
	}

	ctx := c.Request.Context()
	status := risk.ParseCountryStatus(req.Status)
	if err := h.deps.Policies.SetCountryPolicy(ctx, iso, status); err != nil {
		apperrors.HandleError(c, apperrors.StoreUnavailable("set country policy", err))
		return
	}
	if h.deps.Settings != nil {
		if err := h.deps.Settings.Refresh(ctx); err != nil {
			h.logger.Warn("Settings refresh after policy change failed", zap.Error(err))
		}
	}
	h.logger.Info("Country policy updated",
		zap.String("country_iso", iso),
		zap.String("status", string(status)))
	c.JSON(http.StatusOK, gin.H{"country_iso": iso, "status": status})
}

func (h *Handler) publish(ctx context.Context, event events.Event) {
	if err := h.deps.Bus.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
