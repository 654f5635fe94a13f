// Package lock provides the single-flight guard of the sync orchestrator
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Local is an in-process try-lock
type Local struct {
	held atomic.Bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(context.Context) (func(), bool, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(func() { l.held.Store(false) }) }, true, nil
}

// Redis is a lease held in Redis, for several processes sharing one local store.
// The lease is refreshed while held so a long sweep does not lose it
type Redis struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client: redislock.New(rdb),
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Connect parses a redis:// URL and verifies the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (r *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	lease, err := r.client.Obtain(ctx, r.key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain %s: %w", r.key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lease.Refresh(context.Background(), r.ttl, nil); err != nil {
					r.logger.Warn("Failed to refresh sync lease", "key", r.key, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.Warn("Failed to release sync lease", "key", r.key, "error", err)
			}
		})
	}
	return release, true, nil
}
