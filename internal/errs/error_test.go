package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestKinds(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		kind    error
		visible bool
		code    codes.Code
	}{
		{name: "network", err: NewNetworkError("login", errors.New("refused")), kind: ErrNetwork, visible: true, code: codes.Unavailable},
		{name: "auth", err: NewAuthError("验证码错误", 2), kind: ErrAuth, visible: true, code: codes.Unauthenticated},
		{name: "lockout", err: NewLockoutError("尝试次数已用完"), kind: ErrLockout, visible: true, code: codes.PermissionDenied},
		{name: "cooldown", err: NewCooldownError(10 * time.Second), kind: ErrCooldown, visible: true, code: codes.ResourceExhausted},
		{name: "storage", err: NewStorageError("put", errors.New("denied")), kind: ErrStorage, code: codes.Unavailable},
		{name: "corrupt", err: NewCorruptDataError("session.token", errors.New("bad")), kind: ErrCorruptData, code: codes.DataLoss},
	}
	all := []error{ErrNetwork, ErrAuth, ErrLockout, ErrCooldown, ErrStorage, ErrCorruptData}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range all {
				assert.Equal(t, k == tc.kind, errors.Is(tc.err, k), k.Error())
			}
			assert.Equal(t, tc.visible, UserVisible(tc.err))

			wrapped := fmt.Errorf("调用失败: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.kind)
			assert.Equal(t, tc.visible, UserVisible(wrapped))

			e, ok := As(wrapped)
			require.True(t, ok)
			assert.Equal(t, tc.code, e.GRPCStatus().Code())
			assert.NotEmpty(t, e.ID())
		})
	}
}

func TestAttemptsRemaining(t *testing.T) {
	n, ok := AttemptsRemaining(NewAuthError("验证码错误", 3))
	require.True(t, ok)
	assert.Equal(t, 3, n)

	n, ok = AttemptsRemaining(fmt.Errorf("wrap: %w", NewAuthError("验证码错误", 0)))
	require.True(t, ok)
	assert.Zero(t, n)

	_, ok = AttemptsRemaining(NewAuthError("密码错误", -1))
	assert.False(t, ok)

	n, ok = AttemptsRemaining(NewLockoutError("已锁定"))
	require.True(t, ok)
	assert.Zero(t, n)

	_, ok = AttemptsRemaining(errors.New("plain"))
	assert.False(t, ok)
}

func TestRetryAfter(t *testing.T) {
	err := NewCooldownError(25 * time.Second)
	d, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 25*time.Second, d)
	assert.Contains(t, err.Error(), "25s")

	_, ok = RetryAfter(NewAuthError("x", 1))
	assert.False(t, ok)
}

func TestNetworkError_Timeout(t *testing.T) {
	err := NewNetworkError("verify", context.DeadlineExceeded)
	assert.True(t, err.Timeout())
	assert.True(t, err.Temporary())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, RecoveryRetry, err.RecoveryStrategy())

	assert.False(t, NewNetworkError("verify", errors.New("refused")).Timeout())
}

func TestUserVisible_Nil(t *testing.T) {
	assert.False(t, UserVisible(nil))
	assert.False(t, UserVisible(errors.New("plain")))
}

func TestWrappedWriteErrors(t *testing.T) {
	cause := NewStorageError("put", errors.New("denied"))
	err := ErrSecureWrite(cause)
	assert.ErrorIs(t, err, ErrStorage)
	assert.False(t, UserVisible(err))

	assert.ErrorIs(t, ErrFallbackWrite(ErrStoreClosed()), ErrStoreClosed())
}

func TestMarshalJSON(t *testing.T) {
	err := NewAuthError("验证码错误", 4).WithMetadata("user_id", "u1")
	data, mErr := json.Marshal(err)
	require.NoError(t, mErr)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, CodeAuth, got["code"])
	assert.Equal(t, "验证码错误", got["message"])
	meta, ok := got["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(4), meta[MetaAttemptsRemaining])
	assert.Equal(t, "u1", meta["user_id"])
	assert.Contains(t, got["caller_info"], "error_test.go")
}
