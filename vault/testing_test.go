package vault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
)

// switchAuth 可在测试中切换的设备认证
type switchAuth struct {
	cancel      atomic.Bool
	unavailable atomic.Bool
	calls       atomic.Int32
	// declineAfter 大于0时，第declineAfter次之后的认证都被拒绝
	declineAfter atomic.Int32
}

func (a *switchAuth) Available(context.Context) bool { return !a.unavailable.Load() }

func (a *switchAuth) Authenticate(context.Context, string) error {
	n := a.calls.Add(1)
	if a.cancel.Load() {
		return ErrAuthCancelled
	}
	if limit := a.declineAfter.Load(); limit > 0 && n > limit {
		return ErrAuthCancelled
	}
	return nil
}

// faultyStore 对指定键的读取返回错误
type faultyStore struct {
	*MemoryStore
	mu      sync.Mutex
	getErrs map[string]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore(), getErrs: make(map[string]error)}
}

func (s *faultyStore) failGet(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErrs, key)
		return
	}
	s.getErrs[key] = err
}

func (s *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	err := s.getErrs[key]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, key)
}

type testVault struct {
	*Vault
	secureRaw *MemoryStore
	fallback  *MemoryStore
	auth      *switchAuth
	metrics   *metrics.Metrics
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestVault(t *testing.T, now func() time.Time) *testVault {
	t.Helper()
	crypto, err := NewAESCrypto(testKey())
	require.NoError(t, err)

	tv := &testVault{
		secureRaw: NewMemoryStore(),
		fallback:  NewMemoryStore(),
		auth:      &switchAuth{},
		metrics:   metrics.New(metrics.DefaultConfig()),
	}
	secure, err := NewSecureTier(tv.secureRaw, crypto, tv.auth)
	require.NoError(t, err)

	tv.Vault, err = New(Config{
		Secure:   secure,
		Fallback: tv.fallback,
		Logger:   logging.NewNopLogger(),
		Metrics:  tv.metrics,
		Now:      now,
	})
	require.NoError(t, err)
	return tv
}

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func testSession(t *testing.T, id string) Session {
	return Session{
		Token: signToken(t, id, time.Now().Add(time.Hour)),
		User:  User{ID: id, Name: "Ada", Email: id + "@example.com"},
	}
}
