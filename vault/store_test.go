package vault

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/aegis/observability/logging"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(RedisStoreConfig{
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"redis":  rs,
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "a/b:c", []byte("v1")))
			require.NoError(t, store.Set(ctx, "a/b:c", []byte("v2")))
			got, err := store.Get(ctx, "a/b:c")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))

			require.NoError(t, store.Del(ctx, "a/b:c", "missing"))
			_, err = store.Get(ctx, "a/b:c")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Del(ctx))
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.Error(t, s.Set(ctx, "k", nil))
	_, err := s.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, s.Del(ctx, "k"))
}

func TestFileStore_CancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestRedisStore_PrefixAndExpiration(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(RedisStoreConfig{
		Client:     redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		KeyPrefix:  "test:",
		Expiration: time.Minute,
	})
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.Ping(ctx))
	require.NoError(t, rs.Set(ctx, "k", []byte("v")))
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Minute)
	_, err = rs.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVault_RedisSecureTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(RedisStoreConfig{
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	})
	require.NoError(t, err)
	defer rs.Close()

	crypto, err := NewAESCrypto(testKey())
	require.NoError(t, err)
	secure, err := NewSecureTier(rs, crypto, nil)
	require.NoError(t, err)
	v, err := New(Config{Secure: secure, Fallback: NewMemoryStore(), Logger: logging.NewNopLogger()})
	require.NoError(t, err)

	s := testSession(t, "u1")
	tier, err := v.SaveSession(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, TierSecure, tier)

	raw, err := mr.Get("aegis:" + KeySessionUser)
	require.NoError(t, err)
	assert.NotContains(t, raw, s.User.Email)

	got, err := v.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s, *got)

	// Redis不可用时降级
	mr.SetError("ERR server unavailable")
	tier, err = v.SaveSession(ctx, testSession(t, "u2"))
	require.NoError(t, err)
	assert.Equal(t, TierFallback, tier)
}
