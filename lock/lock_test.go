package lock_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/fifo/store"
	"github.com/warp/fxledger/lock"
	"github.com/warp/fxledger/money"
)

func TestLocal_Exclusive(t *testing.T) {
	// GIVEN: a held lock
	l := lock.NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// WHEN: a second caller waits with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")

	// THEN: it gives up
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// AND: other keys are independent
	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()

	// AND: after release the key is free again, release is idempotent
	release()
	release()
	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestLocal_SerializesServiceWriters(t *testing.T) {
	// GIVEN: a service whose writers go through the local lock
	ctx := context.Background()
	svc := fifo.NewService(store.NewMemory(), fifo.Options{Locker: lock.NewLocal()})
	_, err := svc.OpenAccount(ctx, fifo.AccountInput{ID: "cash", Name: "cash", Currency: money.Home})
	require.NoError(t, err)

	// WHEN: many deposits race
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deposit(ctx, fifo.DepositInput{AccountID: "cash", Amount: money.FromInt(10, money.Home)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: every one landed
	bal, err := svc.AccountBalance(ctx, "cash")
	require.NoError(t, err)
	assert.True(t, bal.Equal(money.FromInt(200, money.Home)), "got %s", bal)
}

func TestRedis_Exclusive(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	l := lock.NewRedis(rdb, lock.RedisOptions{TTL: time.Second, Wait: 50 * time.Millisecond})
	key := "fxledger:test:" + fifo.NewID()

	release, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), key)
	require.ErrorIs(t, err, lock.ErrNotObtained)

	release()
	again, err := l.Acquire(context.Background(), key)
	require.NoError(t, err)
	again()
}
