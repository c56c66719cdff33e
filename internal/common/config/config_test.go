package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustcore/trustcore/internal/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("trust-service", []string{t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "trust-service", cfg.ServiceName)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.Geo.PrimaryTTL)
	assert.Equal(t, time.Hour, cfg.Geo.StaleTTL)
	assert.Equal(t, 5, cfg.Geo.RefreshWorkers)
	assert.Equal(t, 3, cfg.MFA.MaxAttempts)
	assert.Equal(t, 75, cfg.MFA.AbsoluteRiskFloor)
	assert.Equal(t, 131072, cfg.MFA.ScryptN)
	assert.Equal(t, 30, cfg.Risk.ChallengeScoreThreshold)
	assert.Equal(t, 80, cfg.Risk.BlockScoreThreshold)
	assert.Equal(t, 300000.0, cfg.Risk.AbsoluteHighValue)
	assert.Equal(t, 5, cfg.Replay.MaxRepeats)
	assert.Equal(t, 30*time.Second, cfg.Idempotency.LockTTL)
	assert.Equal(t, time.Duration(0), cfg.Idempotency.InFlightWait)
	assert.Equal(t, ratelimit.DefaultRules(), cfg.RateLimits)
}

func TestLoad_ConfigFileOverlaysRules(t *testing.T) {
	dir := writeConfig(t, `
port: 9100
rate_limits:
  login:
    window_seconds: 60
    max: 2
    block_on_exceed:
      enabled: true
      ban_seconds: 120
  search:
    window_seconds: 10
    max: 50
risk:
  country_policies:
    KP: blocked
    RU: challenge
`)

	cfg, err := load("trust-service", []string{dir})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2, cfg.RateLimits[ratelimit.CategoryLogin].Max)
	assert.Equal(t, 120, cfg.RateLimits[ratelimit.CategoryLogin].BlockOnExceed.BanSeconds)
	assert.Equal(t, 50, cfg.RateLimits["search"].Max)
	// Categories the file leaves out keep their built-in rule
	assert.Equal(t, ratelimit.DefaultRules()[ratelimit.CategoryCheckout], cfg.RateLimits[ratelimit.CategoryCheckout])
	assert.Equal(t, "blocked", cfg.Risk.CountryPolicies["kp"])
}

func TestLoad_RejectsInvalidRule(t *testing.T) {
	dir := writeConfig(t, `
rate_limits:
  login:
    window_seconds: 0
    max: 5
`)

	_, err := load("trust-service", []string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TRUSTCORE_PORT", "9200")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("TRUSTCORE_MFA_MAX_ATTEMPTS", "4")

	cfg, err := load("trust-service", []string{t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, 4, cfg.MFA.MaxAttempts)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("TRUSTCORE_MFA_SCRYPT_N", "1000")

	_, err := load("trust-service", []string{t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrypt_n")
}

func TestProductionWarnings(t *testing.T) {
	cfg, err := load("trust-service", []string{t.TempDir()})
	require.NoError(t, err)
	cfg.Environment = "production"
	cfg.MFA.ScryptN = 1024

	warnings := cfg.ProductionWarnings()
	assert.Contains(t, warnings, "redis connection is not using TLS")
	assert.Contains(t, warnings, "mfa.scrypt_n is below 131072, HIGH tier proofs are cheaper to brute force")

	cfg.LogSecurityWarnings(zaptest.NewLogger(t))
}

func TestWatchRateLimits_NoConfigFile(t *testing.T) {
	cfg, err := load("trust-service", []string{t.TempDir()})
	require.NoError(t, err)

	called := false
	cfg.WatchRateLimits(zaptest.NewLogger(t), func(ratelimit.Rules) { called = true })
	assert.False(t, called)
}
