package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomic primitives shared by every component that needs cross-replica
// correctness. Each runs as a single Lua script so no other client can
// interleave between the read and the write.

var incrWithExpiryScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// IncrWithExpiry increments key and, when the increment created it, sets its
// expiry to ttl. It returns the post-increment count.
func IncrWithExpiry(ctx context.Context, rdb redis.Scripter, key string, ttl time.Duration) (int64, error) {
	return incrWithExpiryScript.Run(ctx, rdb, []string{key}, ttl.Milliseconds()).Int64()
}

// CompareAndDelete deletes key only if it still holds value. It reports
// whether the key was deleted.
func CompareAndDelete(ctx context.Context, rdb redis.Scripter, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, rdb, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
