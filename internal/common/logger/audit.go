package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent represents a trust decision worth keeping in the audit trail
type AuditEvent struct {
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Action    string                 `json:"action"`
	Outcome   string                 `json:"outcome"` // allow, challenge, block, verified, failure, denied
	Score     int                    `json:"score"`
	Reasons   []string               `json:"reasons,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditLogger writes trust decisions to a dedicated log stream
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("action", event.Action),
		zap.String("outcome", event.Outcome),
		zap.Int("score", event.Score),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if len(event.Reasons) > 0 {
		fields = append(fields, zap.Strings("reasons", event.Reasons))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Outcome {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "block", "denied":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogDecision records the gate outcome for a sensitive action
func (a *AuditLogger) LogDecision(userID, ip, action, outcome string, score int, reasons []string) {
	a.Log(&AuditEvent{
		EventType: "trust.decision",
		UserID:    userID,
		IPAddress: ip,
		Action:    action,
		Outcome:   outcome,
		Score:     score,
		Reasons:   reasons,
	})
}

// LogChallengeVerified records a successful step-up verification
func (a *AuditLogger) LogChallengeVerified(userID, mode string, score int) {
	a.Log(&AuditEvent{
		EventType: "mfa.verified",
		UserID:    userID,
		Action:    "step-up",
		Outcome:   "verified",
		Score:     score,
		Metadata:  map[string]interface{}{"mode": mode},
	})
}

// LogChallengeRejected records a failed step-up verification
func (a *AuditLogger) LogChallengeRejected(reason string) {
	a.Log(&AuditEvent{
		EventType: "mfa.rejected",
		Action:    "step-up",
		Outcome:   "denied",
		Reasons:   []string{reason},
	})
}

// LogRateLimited records a request rejected by the limiter or replay guard
func (a *AuditLogger) LogRateLimited(identity, category string, banned bool) {
	a.Log(&AuditEvent{
		EventType: "ratelimit.rejected",
		IPAddress: identity,
		Action:    category,
		Outcome:   "denied",
		Metadata:  map[string]interface{}{"banned": banned},
	})
}
