package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis keys for the refresh queue
const (
	queueKey    = "geo:refresh:queue"
	priorityKey = "geo:refresh:priority"
)

// claimBatch bounds how many due tasks are compared by priority per claim
const claimBatch = 32

// claimScript pops the highest-priority task among the due ones.
//
// KEYS[1] queue zset, KEYS[2] priority hash
// ARGV[1] now ms, ARGV[2] batch size
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
if #due == 0 then
	return false
end
local best, bestPriority = nil, -1
for _, member in ipairs(due) do
	local p = tonumber(redis.call('HGET', KEYS[2], member) or '0')
	if p > bestPriority then
		best, bestPriority = member, p
	end
end
redis.call('ZREM', KEYS[1], best)
redis.call('HDEL', KEYS[2], best)
return {best, bestPriority}
`)

// RefreshQueue is a delayed, prioritized task queue in Redis. Tasks are IP
// addresses; enqueuing an IP that is already queued keeps the earlier entry.
type RefreshQueue struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewRefreshQueue creates a queue over rdb
func NewRefreshQueue(rdb redis.UniversalClient) *RefreshQueue {
	return &RefreshQueue{redis: rdb, now: time.Now}
}

// Enqueue schedules task to become due after delay. It reports whether the
// task was newly queued.
func (q *RefreshQueue) Enqueue(ctx context.Context, task string, delay time.Duration, priority int) (bool, error) {
	due := q.now().Add(delay).UnixMilli()
	added, err := q.redis.ZAddNX(ctx, queueKey, redis.Z{Score: float64(due), Member: task}).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue refresh: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	if err := q.redis.HSet(ctx, priorityKey, task, priority).Err(); err != nil {
		return true, fmt.Errorf("set refresh priority: %w", err)
	}
	return true, nil
}

// Claim removes and returns the highest-priority due task. ok is false when
// nothing is due. Only one caller can claim a given task.
func (q *RefreshQueue) Claim(ctx context.Context) (task string, priority int, ok bool, err error) {
	res, err := claimScript.Run(ctx, q.redis, []string{queueKey, priorityKey}, q.now().UnixMilli(), claimBatch).Slice()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("claim refresh: %w", err)
	}
	if len(res) != 2 {
		return "", 0, false, fmt.Errorf("claim refresh: unexpected reply %v", res)
	}
	task, _ = res[0].(string)
	p, _ := res[1].(int64)
	return task, int(p), true, nil
}

// Len returns the number of queued tasks
func (q *RefreshQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, queueKey).Result()
}

// RefreshPool drains the refresh queue with a fixed number of workers
type RefreshPool struct {
	queue        *RefreshQueue
	resolver     *Resolver
	workers      int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRefreshPool creates a worker pool that refreshes claimed IPs through resolver
func NewRefreshPool(queue *RefreshQueue, resolver *Resolver, workers int, pollInterval time.Duration, logger *zap.Logger) *RefreshPool {
	if workers <= 0 {
		workers = 5
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &RefreshPool{
		queue:        queue,
		resolver:     resolver,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("component", "geo_refresh")),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned
func (p *RefreshPool) Run(ctx context.Context) {
	p.logger.Info("Starting geo refresh workers", zap.Int("workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("Geo refresh workers stopped")
}

func (p *RefreshPool) work(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is due before sleeping again
		for ctx.Err() == nil {
			if !p.RunOnce(ctx) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and refreshes a single task. It reports whether a task was
// claimed.
func (p *RefreshPool) RunOnce(ctx context.Context) bool {
	ip, priority, ok, err := p.queue.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Failed to claim geo refresh task", zap.Error(err))
		}
		return false
	}
	if !ok {
		return false
	}

	if err := p.resolver.Refresh(ctx, ip); err != nil {
		refreshTotal.WithLabelValues("failure").Inc()
		p.logger.Warn("Geo refresh failed, keeping stale record",
			zap.String("ip", ip),
			zap.Int("priority", priority),
			zap.Error(err))
		return true
	}
	refreshTotal.WithLabelValues("success").Inc()
	p.logger.Debug("Geo record refreshed", zap.String("ip", ip), zap.Int("priority", priority))
	return true
}
