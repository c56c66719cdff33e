// Package testutil runs an in-process Redis for package tests
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// MockRedis is a miniredis server with a client that never retries, so a
// simulated outage surfaces on the first command.
type MockRedis struct {
	mini   *miniredis.Miniredis
	client *redis.Client
}

// StartRedis starts a server bound to the lifetime of t
func StartRedis(t testing.TB) *MockRedis {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return &MockRedis{mini: mini, client: client}
}

// Client returns the client connected to the server
func (m *MockRedis) Client() *redis.Client { return m.client }

// FastForward advances server time, expiring keys whose TTL elapses
func (m *MockRedis) FastForward(d time.Duration) { m.mini.FastForward(d) }

// SimulateOutage makes every later command fail
func (m *MockRedis) SimulateOutage() { m.mini.SetError("ERR simulated outage") }

// CommandCount is the number of commands the server has processed
func (m *MockRedis) CommandCount() int { return m.mini.CommandCount() }

func (m *MockRedis) Exists(key string) bool        { return m.mini.Exists(key) }
func (m *MockRedis) TTL(key string) time.Duration  { return m.mini.TTL(key) }
func (m *MockRedis) Keys() []string                { return m.mini.Keys() }
func (m *MockRedis) SetString(key, v string) error { return m.mini.Set(key, v) }

// GetString reads a string key, reporting false when it is missing
func (m *MockRedis) GetString(key string) (string, bool) {
	v, err := m.mini.Get(key)
	return v, err == nil
}
