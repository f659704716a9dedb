/*
Package lock provides writer locks for fifo.Service.

PURPOSE:
  A store transaction already serializes writers inside one process. When
  several server processes share one Postgres database, every mutating call
  additionally takes a named lock so that only one writer runs at a time.

IMPLEMENTATIONS:
  Local: in-process, one slot per key, honours context cancellation
  Redis: bsm/redislock on top of go-redis; the lock expires after TTL if
         the holder dies

SEE ALSO:
  - fifo/service.go: Options.Locker, WriterLockKey
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/fxledger/fifo"
)

// ErrNotObtained is returned when the lock stayed busy until the wait ran out.
var ErrNotObtained = errors.New("lock not obtained")

// =============================================================================
// LOCAL
// =============================================================================

type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire blocks until key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// REDIS
// =============================================================================

const (
	DefaultTTL  = 30 * time.Second
	DefaultWait = 10 * time.Second
	retryEvery  = 25 * time.Millisecond
)

type RedisOptions struct {
	TTL    time.Duration // lock expiry if the holder never releases
	Wait   time.Duration // how long Acquire retries a busy lock
	Logger logrus.FieldLogger
}

type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Redis{
		client: redislock.New(rdb),
		ttl:    opts.TTL,
		wait:   opts.Wait,
		log:    opts.Logger.WithField("component", "redis-lock"),
	}
}

// Acquire retries until the lock is obtained, the wait elapses or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	lk, err := r.client.Obtain(waitCtx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryEvery),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotObtained)
	}
	if err != nil {
		return nil, err
	}

	return func() {
		// The caller's ctx may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lk.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("release lock")
		}
	}, nil
}

var (
	_ fifo.Locker = (*Local)(nil)
	_ fifo.Locker = (*Redis)(nil)
)
