package mfa

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/events"
	"github.com/trustcore/trustcore/internal/common/testutil"
	"github.com/trustcore/trustcore/internal/risk"
)

type fixedAssessor struct {
	score   int
	reasons []string
}

func (f fixedAssessor) Assess(_ context.Context, in risk.AssessInput) *risk.RiskAssessment {
	return &risk.RiskAssessment{
		UserID:  in.UserID,
		IP:      in.IP,
		Score:   f.score,
		Reasons: f.reasons,
		Action:  risk.ActionChallenge,
		Level:   risk.LevelForScore(f.score),
	}
}

// codeInbox stands in for the notification collaborator
type codeInbox struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *codeInbox) handle(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *codeInbox) last(t *testing.T) events.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.events)
	return c.events[len(c.events)-1]
}

func (c *codeInbox) lastCode(t *testing.T) string {
	code, _ := c.last(t).Payload["code"].(string)
	return code
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scrypt = ScryptParams{N: 1024, R: 8, P: 1}
	return cfg
}

func newTestService(t *testing.T, score int) (*Service, *codeInbox, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.StartRedis(t)
	bus := events.NewMemoryBus()
	inbox := &codeInbox{}
	bus.Subscribe(events.EventMFAChallengeDispatch, inbox.handle)

	svc, err := NewService(mock.Client(), fixedAssessor{score: score, reasons: []string{"geo_unknown"}}, bus, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, inbox, mock
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestInitiate_LowTier(t *testing.T) {
	svc, inbox, mock := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
	assert.Equal(t, ModeLow, res.Mode)
	assert.Equal(t, 300, res.ExpiresIn)
	assert.Equal(t, 40, res.RiskScore)

	raw, err := base64.RawURLEncoding.DecodeString(res.Nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	key := "mfa:challenge:" + res.Nonce
	assert.Equal(t, 300*time.Second, mock.TTL(key))
	fields := mock.Client().HGetAll(ctx, key).Val()
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, "LOW", fields["mode"])
	assert.Equal(t, "0", fields["attempts"])
	assert.NotContains(t, fields, "salt")

	code := inbox.lastCode(t)
	assert.Regexp(t, `^\d{6}$`, code)
	assert.NotContains(t, fields["proof"], code)

	ev := inbox.last(t)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "LOW", ev.Payload["mode"])
	assert.Equal(t, []string{"geo_unknown"}, ev.Payload["reasons"])
}

func TestInitiate_HighTier(t *testing.T) {
	svc, inbox, mock := newTestService(t, 75)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	assert.Equal(t, ModeHigh, res.Mode)

	raw, err := base64.RawURLEncoding.DecodeString(res.Nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	fields := mock.Client().HGetAll(ctx, "mfa:challenge:"+res.Nonce).Val()
	assert.Equal(t, "HIGH", fields["mode"])
	assert.Equal(t, "1024", fields["n"])
	salt, err := base64.StdEncoding.DecodeString(fields["salt"])
	require.NoError(t, err)
	assert.Len(t, salt, 32)
	proof, err := base64.StdEncoding.DecodeString(fields["proof"])
	require.NoError(t, err)
	assert.Len(t, proof, 64)

	verified, err := svc.Verify(ctx, res.Nonce, inbox.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, verified.Status)
	assert.Equal(t, risk.LevelHigh, verified.RiskLevel)
}

func TestInitiate_RequiresUser(t *testing.T) {
	svc, _, _ := newTestService(t, 10)
	_, err := svc.Initiate(context.Background(), risk.AssessInput{IP: "8.8.8.8"})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrValidation))
}

func TestInitiate_StoreOutage(t *testing.T) {
	svc, inbox, mock := newTestService(t, 10)
	mock.SimulateOutage()

	_, err := svc.Initiate(context.Background(), risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable))
	assert.Empty(t, inbox.events)
}

func TestInitiate_DispatchFailureRemovesChallenge(t *testing.T) {
	mock := testutil.StartRedis(t)
	bus := events.NewMemoryBus()
	bus.Subscribe(events.EventMFAChallengeDispatch, func(context.Context, events.Event) error {
		return errors.New("sms gateway down")
	})
	svc, err := NewService(mock.Client(), fixedAssessor{score: 10}, bus, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = svc.Initiate(context.Background(), risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInternal))
	assert.Empty(t, mock.Keys())
}

func TestVerify_Success(t *testing.T) {
	svc, inbox, mock := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)

	verified, err := svc.Verify(ctx, res.Nonce, " "+inbox.lastCode(t)+" ")
	require.NoError(t, err)
	assert.Equal(t, "u1", verified.UserID)
	assert.Equal(t, StatusVerified, verified.Status)
	assert.Equal(t, risk.LevelMedium, verified.RiskLevel)
	assert.False(t, verified.VerifiedAt.IsZero())
	assert.False(t, mock.Exists("mfa:challenge:"+res.Nonce))
}

func TestVerify_SecondCorrectAttemptIsLocked(t *testing.T) {
	svc, inbox, _ := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	code := inbox.lastCode(t)

	_, err = svc.Verify(ctx, res.Nonce, code)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, res.Nonce, code)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked))
}

func TestVerify_UnknownAndExpiredNonce(t *testing.T) {
	svc, inbox, mock := newTestService(t, 40)
	ctx := context.Background()

	for _, nonce := range []string{
		"",
		"not a nonce!",
		base64.RawURLEncoding.EncodeToString(make([]byte, 32)),
		base64.RawURLEncoding.EncodeToString(make([]byte, 200)),
	} {
		_, err := svc.Verify(ctx, nonce, "123456")
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked), nonce)
	}
	// A missing nonce does not leave anything behind
	assert.Empty(t, mock.Keys())

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	mock.FastForward(301 * time.Second)

	_, err = svc.Verify(ctx, res.Nonce, inbox.lastCode(t))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked))
}

func TestVerify_LocksAfterMaxAttempts(t *testing.T) {
	for _, score := range []int{40, 90} {
		svc, inbox, _ := newTestService(t, score)
		ctx := context.Background()

		res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
		require.NoError(t, err)
		code := inbox.lastCode(t)

		for i := 0; i < 3; i++ {
			_, err := svc.Verify(ctx, res.Nonce, wrongCode(code))
			assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidCode), "attempt %d", i+1)
		}

		_, err = svc.Verify(ctx, res.Nonce, wrongCode(code))
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked))

		// Even the right code no longer works
		_, err = svc.Verify(ctx, res.Nonce, code)
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked))
	}
}

func TestVerify_WrongCodeKeepsChallenge(t *testing.T) {
	svc, inbox, mock := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	code := inbox.lastCode(t)

	_, err = svc.Verify(ctx, res.Nonce, wrongCode(code))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidCode))
	assert.Equal(t, "1", mock.Client().HGet(ctx, "mfa:challenge:"+res.Nonce, "attempts").Val())

	_, err = svc.Verify(ctx, res.Nonce, code)
	assert.NoError(t, err)
}

func TestVerify_ConcurrentCorrectCodesVerifyOnce(t *testing.T) {
	svc, inbox, _ := newTestService(t, 40)
	ctx := context.Background()

	res, err := svc.Initiate(ctx, risk.AssessInput{UserID: "u1", IP: "8.8.8.8"})
	require.NoError(t, err)
	code := inbox.lastCode(t)

	const callers = 3
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(ctx, res.Nonce, code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	verified := 0
	for err := range results {
		if err == nil {
			verified++
			continue
		}
		assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrSessionExpiredOrLocked))
	}
	assert.Equal(t, 1, verified)
}

func TestVerify_StoreOutageFailsClosed(t *testing.T) {
	svc, _, mock := newTestService(t, 40)
	mock.SimulateOutage()

	_, err := svc.Verify(context.Background(), base64.RawURLEncoding.EncodeToString(make([]byte, 32)), "123456")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable))
}

func TestNewService_RejectsBadScryptParams(t *testing.T) {
	mock := testutil.StartRedis(t)
	cfg := testConfig()
	cfg.Scrypt.N = 1000

	_, err := NewService(mock.Client(), fixedAssessor{}, events.NewMemoryBus(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 40)
}
