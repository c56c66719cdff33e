package config

import (
	"strings"

	"go.uber.org/zap"
)

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}

// ProductionWarnings lists settings that weaken the trust decisions
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if !c.Redis.TLSEnabled && !strings.HasPrefix(c.RedisURL, "rediss://") {
		warnings = append(warnings, "redis connection is not using TLS")
	}
	if c.Redis.TLSSkipVerify {
		warnings = append(warnings, "redis TLS certificate verification is disabled")
	}
	if !c.EnableRateLimit {
		warnings = append(warnings, "rate limiting is disabled")
	}
	if c.MFA.ScryptN < 131072 {
		warnings = append(warnings, "mfa.scrypt_n is below 131072, HIGH tier proofs are cheaper to brute force")
	}
	if c.MFA.MaxAttempts > 5 {
		warnings = append(warnings, "mfa.max_attempts above 5 widens the one-time code guessing window")
	}
	if c.DatabaseURL == "" {
		warnings = append(warnings, "no database_url, risk settings are static and cannot be updated at runtime")
	}
	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		warnings = append(warnings, "database connection has sslmode=disable")
	}
	if c.OperatorToken != "" && len(c.OperatorToken) < 32 {
		warnings = append(warnings, "operator_token is shorter than 32 characters")
	}
	if c.Geo.MaxMindDBPath == "" && c.Geo.IPAPIEnabled && strings.HasPrefix(c.Geo.IPAPIURL, "http://") {
		warnings = append(warnings, "geolocation relies on a plaintext HTTP provider")
	}

	return warnings
}
