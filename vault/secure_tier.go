package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dormoron/aegis/internal/errs"
)

var (
	// ErrAuthCancelled 用户拒绝了设备认证，调用方应降级而不是报错
	ErrAuthCancelled = errors.New("vault: device authentication cancelled")
	// ErrSecureUnavailable 安全存储不可用
	ErrSecureUnavailable = errors.New("vault: secure storage unavailable")
)

const checkKey = "__aegis_check__"

// DeviceAuthenticator 设备认证（生物识别或锁屏密码）
type DeviceAuthenticator interface {
	// Available 设备是否支持认证
	Available(ctx context.Context) bool
	// Authenticate 请求用户认证，用户取消时返回ErrAuthCancelled
	Authenticate(ctx context.Context, reason string) error
}

// AlwaysAllow 不需要用户交互的设备认证实现
type AlwaysAllow struct{}

// Available 实现DeviceAuthenticator.Available
func (AlwaysAllow) Available(context.Context) bool { return true }

// Authenticate 实现DeviceAuthenticator.Authenticate
func (AlwaysAllow) Authenticate(context.Context, string) error { return nil }

// SecureTier 在底层存储之上提供设备认证和静态加密。
// 读写都需要设备认证，删除不需要，保证登出总能清除数据。
type SecureTier struct {
	store  Store
	crypto Crypto
	auth   DeviceAuthenticator
}

// NewSecureTier 创建安全层
func NewSecureTier(store Store, crypto Crypto, auth DeviceAuthenticator) (*SecureTier, error) {
	if store == nil {
		return nil, errors.New("vault: secure tier store is required")
	}
	if crypto == nil {
		return nil, errors.New("vault: secure tier crypto is required")
	}
	if auth == nil {
		auth = AlwaysAllow{}
	}
	return &SecureTier{store: store, crypto: crypto, auth: auth}, nil
}

// Get 实现Store.Get，解密失败返回CorruptDataError
func (t *SecureTier) Get(ctx context.Context, key string) ([]byte, error) {
	if err := t.authenticate(ctx, "读取已保存的登录信息"); err != nil {
		return nil, err
	}
	sealed, err := t.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	plain, err := t.crypto.Decrypt(sealed)
	if err != nil {
		return nil, errs.NewCorruptDataError(key, err)
	}
	return plain, nil
}

// Set 实现Store.Set
func (t *SecureTier) Set(ctx context.Context, key string, value []byte) error {
	if err := t.authenticate(ctx, "保存登录信息"); err != nil {
		return err
	}
	sealed, err := t.crypto.Encrypt(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	if err = t.store.Set(ctx, key, sealed); err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	return nil
}

// Del 实现Store.Del
func (t *SecureTier) Del(ctx context.Context, keys ...string) error {
	return t.store.Del(ctx, keys...)
}

// Close 实现Store.Close
func (t *SecureTier) Close() error {
	return t.store.Close()
}

// Check 检查安全层是否可用，不触发用户交互
func (t *SecureTier) Check(ctx context.Context) error {
	if !t.auth.Available(ctx) {
		return ErrSecureUnavailable
	}
	want := []byte("check")
	sealed, err := t.crypto.Encrypt(want)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	if err = t.store.Set(ctx, checkKey, sealed); err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	defer t.store.Del(ctx, checkKey)

	got, err := t.store.Get(ctx, checkKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUnavailable, err)
	}
	plain, err := t.crypto.Decrypt(got)
	if err != nil || !bytes.Equal(plain, want) {
		return ErrSecureUnavailable
	}
	return nil
}

func (t *SecureTier) authenticate(ctx context.Context, reason string) error {
	if !t.auth.Available(ctx) {
		return ErrSecureUnavailable
	}
	return t.auth.Authenticate(ctx, reason)
}
