package vault

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/aegis/observability/logging"
)

func TestMigrator(t *testing.T) {
	token := "aaa.bbb.ccc"
	quoted, _ := json.Marshal(token)

	testCases := []struct {
		name  string
		token []byte
		user  string

		wantResult MigrationResult
		wantUser   *User
	}{
		{
			name:       "raw token",
			token:      []byte(token),
			user:       `{"id":"u1","name":"Ada","email":"ada@example.com"}`,
			wantResult: MigrationResult{Migrated: true, Tier: TierSecure},
			wantUser:   &User{ID: "u1", Name: "Ada", Email: "ada@example.com"},
		},
		{
			name:       "quoted token and old field names",
			token:      quoted,
			user:       `{"uid":"u2","displayName":"Bob","email":"bob@example.com"}`,
			wantResult: MigrationResult{Migrated: true, Tier: TierSecure},
			wantUser:   &User{ID: "u2", Name: "Bob", Email: "bob@example.com"},
		},
		{
			name:       "malformed token",
			token:      []byte("abc"),
			user:       `{"id":"u1"}`,
			wantResult: MigrationResult{Discarded: true},
		},
		{
			name:       "missing user",
			token:      []byte(token),
			wantResult: MigrationResult{Discarded: true},
		},
		{
			name:       "user without id",
			token:      []byte(token),
			user:       `{"name":"nobody"}`,
			wantResult: MigrationResult{Discarded: true},
		},
		{
			name:       "unparsable user",
			token:      []byte(token),
			user:       `{`,
			wantResult: MigrationResult{Discarded: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			v := newTestVault(t, nil)
			legacy := NewMemoryStore()
			require.NoError(t, legacy.Set(ctx, LegacyKeyToken, tc.token))
			if tc.user != "" {
				require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(tc.user)))
			}

			m := NewMigrator(legacy, v.Vault, logging.NewNopLogger())
			res, err := m.MigrateLegacyToVault(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.wantResult, res)
			assert.Empty(t, legacy.Keys())

			got, err := v.GetSession(ctx)
			require.NoError(t, err)
			if tc.wantUser == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, token, got.Token)
			assert.Equal(t, *tc.wantUser, got.User)

			_, err = v.Get(ctx, KeyMigrationDone)
			assert.NoError(t, err)
		})
	}
}

func TestMigrator_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, nil)
	legacy := NewMemoryStore()
	require.NoError(t, legacy.Set(ctx, LegacyKeyToken, []byte("aaa.bbb.ccc")))
	require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(`{"id":"u1"}`)))

	m := NewMigrator(legacy, v.Vault, logging.NewNopLogger())
	res, err := m.MigrateLegacyToVault(ctx)
	require.NoError(t, err)
	assert.True(t, res.Migrated)

	res, err = m.MigrateLegacyToVault(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{}, res)

	got, err := v.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.User.ID)
}

func TestMigrator_NoLegacyData(t *testing.T) {
	v := newTestVault(t, nil)
	m := NewMigrator(NewMemoryStore(), v.Vault, nil)
	res, err := m.MigrateLegacyToVault(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{}, res)
	assert.Empty(t, v.secureRaw.Keys())
}

func TestMigrator_KeepsLegacyWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	fallback := NewMemoryStore()
	require.NoError(t, fallback.Close())
	v, err := New(Config{Fallback: fallback, Logger: logging.NewNopLogger()})
	require.NoError(t, err)

	legacy := NewMemoryStore()
	require.NoError(t, legacy.Set(ctx, LegacyKeyToken, []byte("aaa.bbb.ccc")))
	require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(`{"id":"u1"}`)))

	_, err = NewMigrator(legacy, v, logging.NewNopLogger()).MigrateLegacyToVault(ctx)
	assert.Error(t, err)
	assert.Len(t, legacy.Keys(), 2)
}

// blockingStore 第一次Get时阻塞，直到测试放行
type blockingStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStore.Get(ctx, key)
}

func TestMigrator_RejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, nil)
	legacy := &blockingStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	require.NoError(t, legacy.Set(ctx, LegacyKeyToken, []byte("aaa.bbb.ccc")))
	require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(`{"id":"u1"}`)))
	m := NewMigrator(legacy, v.Vault, logging.NewNopLogger())

	done := make(chan MigrationResult)
	go func() {
		res, err := m.MigrateLegacyToVault(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	<-legacy.entered
	_, err := m.MigrateLegacyToVault(ctx)
	assert.ErrorIs(t, err, ErrMigrationInProgress)

	close(legacy.release)
	res := <-done
	assert.True(t, res.Migrated)
}

func TestMigrator_KeepsLegacyWhenUserReadFails(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, nil)
	legacy := newFaultyStore()
	require.NoError(t, legacy.Set(ctx, LegacyKeyToken, []byte("a.b.c")))
	require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(`{"id":"u1"}`)))
	readErr := errors.New("transient read error")
	legacy.failGet(LegacyKeyUser, readErr)

	m := NewMigrator(legacy, v.Vault, logging.NewNopLogger())
	res, err := m.MigrateLegacyToVault(ctx)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, MigrationResult{}, res)
	assert.Len(t, legacy.Keys(), 2)
	assert.Empty(t, v.secureRaw.Keys())

	// 下次启动重试成功
	legacy.failGet(LegacyKeyUser, nil)
	res, err = m.MigrateLegacyToVault(ctx)
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Empty(t, legacy.Keys())
}

func TestMigrator_DoneMarkerSkipsMigration(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t, nil)
	current := testSession(t, "u1")
	_, err := v.SaveSession(ctx, current)
	require.NoError(t, err)
	_, err = v.Put(ctx, KeyMigrationDone, []byte(`"2026-01-01T00:00:00Z"`))
	require.NoError(t, err)

	legacy := NewMemoryStore()
	require.NoError(t, legacy.Set(ctx, LegacyKeyToken, []byte("old.token.value")))
	require.NoError(t, legacy.Set(ctx, LegacyKeyUser, []byte(`{"id":"u2"}`)))

	res, err := NewMigrator(legacy, v.Vault, logging.NewNopLogger()).MigrateLegacyToVault(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{}, res)
	assert.Empty(t, legacy.Keys())

	got, err := v.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, current, *got)
}
