package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: m.Addr()}), ""), m
}

func TestRedisStore_ConsumeOnce(t *testing.T) {
	store, m := newRedisStore(t)
	ctx := context.Background()
	st := &State{Value: "abc", Verifier: "v", Nonce: "n", ReturnTo: "/x", Provider: oidc.KindCognito, ExpiresAt: time.Now().Add(time.Minute)}

	require.NoError(t, store.Save(ctx, st, time.Minute))
	require.True(t, m.Exists("exchange:state:abc"))
	require.Error(t, store.Save(ctx, st, time.Minute))

	got, err := store.Consume(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v", got.Verifier)
	assert.Equal(t, oidc.KindCognito, got.Provider)

	got, err = store.Consume(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, m := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &State{Value: "short"}, 2*time.Second))

	m.FastForward(3 * time.Second)
	got, err := store.Consume(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_ConcurrentConsume(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &State{Value: "race"}, time.Minute))

	var (
		wg  sync.WaitGroup
		won int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Consume(ctx, "race")
			assert.NoError(t, err)
			if got != nil {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}

func TestRedisStore_DrivesCoordinator(t *testing.T) {
	store, _ := newRedisStore(t)
	f := newFixture(t, store)
	params := f.begin(t, f.provider.Claims("ak-9", nil))

	res, err := f.coord.Complete(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "ak-9", res.User.ExternalID)

	_, err = f.coord.Complete(context.Background(), params)
	assert.Error(t, err)
}

func TestMemoryStore_ExpiryAndSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &State{Value: "a"}, time.Minute))
	require.NoError(t, store.Save(ctx, &State{Value: "b"}, 5*time.Minute))
	clock.Advance(2 * time.Minute)

	got, err := store.Consume(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Save(ctx, &State{Value: "c"}, time.Minute))
	assert.Equal(t, 2, store.Len())

	got, err = store.Consume(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, clock.Now().Add(3*time.Minute), got.ExpiresAt)
}
