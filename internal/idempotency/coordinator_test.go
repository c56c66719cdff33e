package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/trustcore/trustcore/internal/common/errors"
	"github.com/trustcore/trustcore/internal/common/testutil"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.StartRedis(t)
	return NewCoordinator(mock.Client(), cfg, zaptest.NewLogger(t)), mock
}

func countingOp(calls *int32, body string) Operation {
	return func(ctx context.Context) (*Response, error) {
		atomic.AddInt32(calls, 1)
		return &Response{Status: 201, Body: []byte(body), ContentType: "application/json"}, nil
	}
}

func TestCanonicalKey(t *testing.T) {
	a, err := CanonicalKey("  order-123 ", "payment-init")
	require.NoError(t, err)
	b, err := CanonicalKey("order-123", "payment-init")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "payment-init:"))

	other, err := CanonicalKey("order-123", "mfa-initiate")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = CanonicalKey("   ", "payment-init")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrValidation))

	_, err = CanonicalKey(strings.Repeat("k", MaxKeyLength+1), "payment-init")
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrValidation))

	_, err = CanonicalKey(strings.Repeat("k", MaxKeyLength), "payment-init")
	assert.NoError(t, err)
}

func TestExecute_ReplaysCompletedResponse(t *testing.T) {
	coord, mock := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()
	var calls int32

	first, err := coord.Execute(ctx, "key-1", "checkout", countingOp(&calls, `{"order":"o-1"}`))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := coord.Execute(ctx, "key-1", "checkout", countingOp(&calls, `{"order":"o-2"}`))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, "application/json", second.ContentType)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	canonical, _ := CanonicalKey("key-1", "checkout")
	assert.Equal(t, 24*time.Hour, mock.TTL(recordKeyPrefix+canonical))
	assert.False(t, mock.Exists(lockKeyPrefix+canonical))
}

func TestExecute_FailureAllowsRetry(t *testing.T) {
	coord, mock := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()
	var calls int32

	_, err := coord.Execute(ctx, "key-1", "checkout", func(ctx context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("provider declined")
	})
	require.Error(t, err)

	canonical, _ := CanonicalKey("key-1", "checkout")
	assert.False(t, mock.Exists(lockKeyPrefix+canonical))
	assert.False(t, mock.Exists(recordKeyPrefix+canonical))

	resp, err := coord.Execute(ctx, "key-1", "checkout", countingOp(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecute_PanicReleasesLock(t *testing.T) {
	coord, mock := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = coord.Execute(ctx, "key-1", "webhook", func(ctx context.Context) (*Response, error) {
			panic("boom")
		})
	})

	canonical, _ := CanonicalKey("key-1", "webhook")
	assert.False(t, mock.Exists(lockKeyPrefix+canonical))
	assert.False(t, mock.Exists(recordKeyPrefix+canonical))

	var calls int32
	resp, err := coord.Execute(ctx, "key-1", "webhook", countingOp(&calls, "ok"))
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecute_DuplicateInProgress(t *testing.T) {
	coord, _ := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := coord.Execute(ctx, "key-1", "checkout", func(ctx context.Context) (*Response, error) {
			close(started)
			<-finish
			return &Response{Status: 200}, nil
		})
		done <- err
	}()
	<-started

	var calls int32
	_, err := coord.Execute(ctx, "key-1", "checkout", countingOp(&calls, "dup"))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrDuplicateInProgress))
	assert.Zero(t, atomic.LoadInt32(&calls))

	close(finish)
	require.NoError(t, <-done)
}

func TestExecute_StoreUnavailableFailsClosed(t *testing.T) {
	coord, mock := newTestCoordinator(t, DefaultConfig())
	mock.SimulateOutage()
	var calls int32

	_, err := coord.Execute(context.Background(), "key-1", "checkout", countingOp(&calls, "x"))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestExecute_LockExpiresAfterTTL(t *testing.T) {
	coord, mock := newTestCoordinator(t, DefaultConfig())
	canonical, _ := CanonicalKey("key-1", "checkout")

	// A crashed holder leaves its lock behind
	require.NoError(t, mock.Client().Set(context.Background(), lockKeyPrefix+canonical, "stale", 30*time.Second).Err())

	var calls int32
	_, err := coord.Execute(context.Background(), "key-1", "checkout", countingOp(&calls, "x"))
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrDuplicateInProgress))

	mock.FastForward(31 * time.Second)
	_, err = coord.Execute(context.Background(), "key-1", "checkout", countingOp(&calls, "x"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecute_ConcurrentDuplicatesRunOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InFlightWait = 5 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	coord, _ := newTestCoordinator(t, cfg)

	var calls int32
	op := func(ctx context.Context) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return &Response{Status: 201, Body: []byte(uuid.NewString())}, nil
	}

	const n = 10
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := coord.Execute(context.Background(), "same-key", "payment-init", op)
			errs[i] = err
			if resp != nil {
				bodies[i] = string(resp.Body)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
}
