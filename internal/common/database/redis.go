// Package database connects the trust service to its stores and holds the
// atomic Redis primitives shared by the limiter, guards and challenges.
package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Every decision waits on Redis, so calls fail fast instead of queueing
const (
	redisPoolSize     = 20
	redisMinIdle      = 5
	redisMaxRetries   = 2
	redisDialTimeout  = 2 * time.Second
	redisIOTimeout    = 500 * time.Millisecond
	redisStartupProbe = 5 * time.Second
)

// RedisClient is the shared store handle
type RedisClient struct {
	Client redis.UniversalClient
}

// RedisConfig selects a single node by URL or a Sentinel-managed master
type RedisConfig struct {
	URL string

	SentinelEnabled    bool
	SentinelMasterName string
	SentinelAddresses  []string
	SentinelPassword   string
	// Password of the master when Sentinel is used
	Password string

	TLSEnabled    bool
	TLSCACert     string
	TLSCert       string
	TLSKey        string
	TLSSkipVerify bool
}

// NewRedisFromConfig connects and pings. A client that cannot answer PING at
// startup is an error; later outages are handled by each caller's policy.
func NewRedisFromConfig(cfg RedisConfig) (*RedisClient, error) {
	opts, err := universalOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisStartupProbe)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisClient{Client: client}, nil
}

func universalOptions(cfg RedisConfig) (*redis.UniversalOptions, error) {
	tlsCfg, err := redisTLS(cfg)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{
		PoolSize:     redisPoolSize,
		MinIdleConns: redisMinIdle,
		MaxRetries:   redisMaxRetries,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
		TLSConfig:    tlsCfg,
	}

	if cfg.SentinelEnabled {
		if cfg.SentinelMasterName == "" || len(cfg.SentinelAddresses) == 0 {
			return nil, errors.New("redis sentinel needs a master name and at least one address")
		}
		opts.MasterName = cfg.SentinelMasterName
		opts.Addrs = cfg.SentinelAddresses
		opts.SentinelPassword = cfg.SentinelPassword
		opts.Password = cfg.Password
		return opts, nil
	}

	parsed, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	opts.Password = parsed.Password
	opts.DB = parsed.DB
	if opts.TLSConfig == nil {
		opts.TLSConfig = parsed.TLSConfig
	}
	return opts, nil
}

func redisTLS(cfg RedisConfig) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLSSkipVerify}

	if cfg.TLSCACert != "" {
		pem, err := os.ReadFile(cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read redis ca %s: %w", cfg.TLSCACert, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in redis ca %s", cfg.TLSCACert)
		}
		tlsCfg.RootCAs = roots
	}
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Close closes the client
func (r *RedisClient) Close() error {
	return r.Client.Close()
}
