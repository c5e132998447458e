package matcher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/infra"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestStoreGuardSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true}))
	g := StoreGuard{Drivers: store}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := g.Reserve(ctx, "d1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, g.Release(ctx, "d1"))
	require.NoError(t, g.Release(ctx, "d1"))
	ok, err := g.Reserve(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// Runs against a real server when REDIS_TEST_ADDR is set.
func TestRedisGuardLease(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := infra.NewRedis(ctx, addr, os.Getenv("REDIS_TEST_PASSWORD"))
	require.NoError(t, err)
	defer rdb.Close()

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true}))
	prefix := "test:" + uuid.NewString() + ":"

	a := NewRedisGuard(rdb, StoreGuard{Drivers: store}, prefix, 5*time.Second)
	b := NewRedisGuard(rdb, StoreGuard{Drivers: store}, prefix, 5*time.Second)

	ok, err := a.Reserve(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Reserve(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok, "second process loses on the lease")

	// b does not own the lease, so its release leaves a's lease in place.
	require.NoError(t, b.dropLease(ctx, "d1"))
	n, err := rdb.Exists(ctx, prefix+"d1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, a.Release(ctx, "d1"))
	n, err = rdb.Exists(ctx, prefix+"d1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	ok, err = b.Reserve(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, "d1"))
}

func TestRedisGuardDropsLeaseWhenStoreRefuses(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := infra.NewRedis(ctx, addr, os.Getenv("REDIS_TEST_PASSWORD"))
	require.NoError(t, err)
	defer rdb.Close()

	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertDriver(ctx, &models.Driver{ID: "off", Online: false}))
	prefix := "test:" + uuid.NewString() + ":"
	g := NewRedisGuard(rdb, StoreGuard{Drivers: store}, prefix, 5*time.Second)

	ok, err := g.Reserve(ctx, "off")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := rdb.Exists(ctx, prefix+"off").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
