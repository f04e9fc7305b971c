package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

func newTestStore(t *testing.T) (*QuotaStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQuotaStoreWithClient(client, "test", arbor.NewLogger()), mr
}

func request(now time.Time, limit int) interfaces.QuotaRequest {
	return interfaces.QuotaRequest{
		UserID:      "user-1",
		Platform:    "seek",
		Limit:       limit,
		WindowStart: models.WindowStart(now, time.Hour),
		Window:      time.Hour,
		Now:         now,
	}
}

func TestQuotaStore_DeniesAtLimit(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	allowed, remaining, err := store.TryConsume(ctx, request(now, 2))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	allowed, remaining, err = store.TryConsume(ctx, request(now, 2))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, err = store.TryConsume(ctx, request(now, 2))
	require.NoError(t, err)
	assert.False(t, allowed)

	key := store.key(request(now, 2))
	value, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "2", value, "denied attempts must not be counted")
	assert.True(t, mr.TTL(key) > 0, "counter expires with its window")
}

func TestQuotaStore_RemainingAndWindows(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	remaining, err := store.Remaining(ctx, request(now, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	_, _, err = store.TryConsume(ctx, request(now, 3))
	require.NoError(t, err)

	remaining, err = store.Remaining(ctx, request(now, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	// The next window has its own counter
	remaining, err = store.Remaining(ctx, request(now.Add(time.Hour), 3))
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestQuotaStore_ConcurrentConsumers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const limit = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := store.TryConsume(ctx, request(now, limit))
			if err != nil {
				t.Errorf("TryConsume failed: %v", err)
				return
			}
			if allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
}
