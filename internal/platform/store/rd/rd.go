// Package rd provides the redis client behind the shared dedup cache
package rd

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures redis connectivity
type Config struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds every single command. The dedup hot path treats
	// cache trouble as a miss, so a slow redis must fail fast rather
	// than stall the pipeline. Default 150ms.
	OpTimeout time.Duration
}

const defaultOpTimeout = 150 * time.Millisecond

// RD wraps a go-redis client with per-op deadlines
type RD struct {
	client    *redis.Client
	opTimeout time.Duration
}

// Open builds the client; go-redis dials lazily, readiness goes through Ping
func Open(_ context.Context, cfg Config) (*RD, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rd: empty addr")
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	return &RD{client: client, opTimeout: opTimeout}, nil
}

// Get returns the value for key and whether it exists
func (r *RD) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.budget(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetIfAbsent stores key only when missing and reports whether it was set
func (r *RD) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.budget(ctx)
	defer cancel()

	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Ping verifies the server is reachable
func (r *RD) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RD) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RD) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}
