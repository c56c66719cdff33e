package geo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustcore/trustcore/internal/common/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*RefreshQueue, *fakeClock, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.StartRedis(t)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewRefreshQueue(mock.Client())
	q.now = clock.Now
	return q, clock, mock
}

func TestRefreshQueue_ClaimOnlyDueTasks(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "8.8.8.8", 10*time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, added)

	_, _, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(10 * time.Minute)
	task, priority, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8.8.8.8", task)
	assert.Equal(t, 1, priority)

	// Claimed tasks are gone
	_, _, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshQueue_CollapsesDuplicates(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "8.8.8.8", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, "8.8.8.8", time.Hour, 9)
	require.NoError(t, err)
	assert.False(t, added)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(time.Minute)
	_, priority, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, priority)
}

func TestRefreshQueue_HighestPriorityFirst(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "1.1.1.1", time.Minute, 1)
	_, _ = q.Enqueue(ctx, "2.2.2.2", 2*time.Minute, 10)
	_, _ = q.Enqueue(ctx, "3.3.3.3", 3*time.Minute, 5)
	_, _ = q.Enqueue(ctx, "4.4.4.4", time.Hour, 10)

	clock.Advance(5 * time.Minute)

	var order []string
	for {
		task, _, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, task)
	}
	assert.Equal(t, []string{"2.2.2.2", "3.3.3.3", "1.1.1.1"}, order)
}

func TestRefreshQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"} {
		_, err := q.Enqueue(ctx, ip, 0, 1)
		require.NoError(t, err)
	}
	clock.Advance(time.Second)

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, _, ok, err := q.Claim(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[task]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 5)
	for task, n := range claimed {
		assert.Equal(t, 1, n, task)
	}
}

func TestRefreshPool_RunOnce(t *testing.T) {
	mock := testutil.StartRedis(t)
	db := &fakeDatabase{loc: berlin}
	queue := NewRefreshQueue(mock.Client())
	resolver := NewResolver(mock.Client(), db, queue, DefaultConfig(), zaptest.NewLogger(t))
	pool := NewRefreshPool(queue, resolver, 2, 10*time.Millisecond, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.False(t, pool.RunOnce(ctx))

	_, err := queue.Enqueue(ctx, "8.8.8.8", 0, 3)
	require.NoError(t, err)
	assert.True(t, pool.RunOnce(ctx))
	assert.Equal(t, int32(1), db.Calls())
	assert.True(t, mock.Exists("geo:record:8.8.8.8"))

	// A failed refresh still consumes the task
	db.set(nil, errors.New("provider down"))
	_, _ = queue.Enqueue(ctx, "9.9.9.9", 0, 3)
	assert.True(t, pool.RunOnce(ctx))
	n, _ := queue.Len(ctx)
	assert.Zero(t, n)
}

func TestRefreshPool_RunDrainsQueue(t *testing.T) {
	mock := testutil.StartRedis(t)
	db := &fakeDatabase{loc: berlin}
	queue := NewRefreshQueue(mock.Client())
	resolver := NewResolver(mock.Client(), db, queue, DefaultConfig(), zaptest.NewLogger(t))
	pool := NewRefreshPool(queue, resolver, 5, 10*time.Millisecond, zaptest.NewLogger(t))

	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		_, err := queue.Enqueue(context.Background(), ip, 0, 1)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return db.Calls() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh pool did not stop")
	}
}
