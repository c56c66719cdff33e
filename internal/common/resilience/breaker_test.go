package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(name string, threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{Name: name, Threshold: threshold, Cooldown: time.Minute})
	b.now = clk.now
	return b, clk
}

func failing(context.Context) error { return errProvider }
func ok(context.Context) error      { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker("t-open", 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, failing), errProvider)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker("t-reset", 2)
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	require.NoError(t, b.Do(ctx, ok))
	_ = b.Do(ctx, failing)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clk := newTestBreaker("t-probe", 1)
	ctx := context.Background()
	_ = b.Do(ctx, failing)
	clk.advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker("t-reopen", 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, failing)
	}
	clk.advance(time.Minute)

	_ = b.Do(ctx, failing)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen)
}

func TestBreaker_CallerCancelNotCounted(t *testing.T) {
	b, _ := newTestBreaker("t-cancel", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_Open(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestBreaker("t-a", 1)
	z, _ := newTestBreaker("t-z", 1)
	reg.Register(z)
	reg.Register(a)
	assert.Empty(t, reg.Open())

	_ = z.Do(context.Background(), failing)
	assert.Equal(t, []string{"t-z"}, reg.Open())

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "t-a", snaps[0].Name)
	assert.Nil(t, snaps[0].OpenedAt)
	assert.NotNil(t, snaps[1].OpenedAt)

	got, found := reg.Get("t-a")
	assert.True(t, found)
	assert.Same(t, a, got)
}

func TestTransport_CountsProviderErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b, _ := newTestBreaker("t-http", 2)
	client := &http.Client{Transport: Transport(b, nil)}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrOpen)
	assert.EqualValues(t, 2, hits.Load())
}
