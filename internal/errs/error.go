package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// 错误代码
const (
	CodeNetwork     = "NETWORK_ERROR"
	CodeAuth        = "AUTH_ERROR"
	CodeLockout     = "LOCKOUT"
	CodeCooldown    = "RESEND_COOLDOWN"
	CodeStorage     = "STORAGE_ERROR"
	CodeCorruptData = "CORRUPT_DATA"
)

// 元数据键
const (
	MetaAttemptsRemaining = "attempts_remaining"
	MetaRetryAfter        = "retry_after"
	MetaOperation         = "operation"
	MetaKey               = "key"
)

// kind 是按错误代码匹配的哨兵类型
type kind string

func (k kind) Error() string { return string(k) }

// 哨兵错误，配合errors.Is使用
var (
	ErrNetwork     error = kind(CodeNetwork)
	ErrAuth        error = kind(CodeAuth)
	ErrLockout     error = kind(CodeLockout)
	ErrCooldown    error = kind(CodeCooldown)
	ErrStorage     error = kind(CodeStorage)
	ErrCorruptData error = kind(CodeCorruptData)
)

var (
	errSecureWrite   = errors.New("secure tier write failed")
	errFallbackWrite = errors.New("fallback tier write failed")
	errStoreClosed   = errors.New("store is closed")
)

// NewNetworkError 远端无响应或超时，由用户操作重试
func NewNetworkError(op string, cause error) EnhancedError {
	e := newError(CodeNetwork, "远端认证服务不可达", SeverityError, CategoryNetwork, cause)
	e.isTemporary = true
	e.isTimeout = isTimeout(cause)
	e.recoveryStrategy = RecoveryRetry
	e.metadata[MetaOperation] = op
	return e
}

// NewAuthError 凭证或验证码无效；attemptsRemaining < 0 表示未知
func NewAuthError(message string, attemptsRemaining int) EnhancedError {
	e := newError(CodeAuth, message, SeverityError, CategoryAuth, nil)
	e.recoveryStrategy = RecoveryRetry
	if attemptsRemaining >= 0 {
		e.metadata[MetaAttemptsRemaining] = attemptsRemaining
	}
	return e
}

// NewLockoutError 尝试次数耗尽，当前挑战终止，备用码与重发仍可用
func NewLockoutError(message string) EnhancedError {
	e := newError(CodeLockout, message, SeverityError, CategoryAuth, nil)
	e.recoveryStrategy = RecoveryFallback
	e.metadata[MetaAttemptsRemaining] = 0
	return e
}

// NewCooldownError 冷却期内拒绝重发
func NewCooldownError(retryAfter time.Duration) EnhancedError {
	e := newError(CodeCooldown, fmt.Sprintf("请在%s后重试", retryAfter.Round(time.Second)), SeverityInfo, CategoryBusiness, nil)
	e.isTemporary = true
	e.metadata[MetaRetryAfter] = retryAfter
	return e
}

// NewStorageError 存储层拒绝访问，调用方应降级处理
func NewStorageError(op string, cause error) EnhancedError {
	e := newError(CodeStorage, "存储访问失败", SeverityWarning, CategoryStorage, cause)
	e.recoveryStrategy = RecoveryFallback
	e.metadata[MetaOperation] = op
	return e
}

// NewCorruptDataError 存储的数据格式损坏，调用方应清除
func NewCorruptDataError(key string, cause error) EnhancedError {
	e := newError(CodeCorruptData, "存储数据已损坏", SeverityWarning, CategoryValidation, cause)
	e.recoveryStrategy = RecoveryPurge
	e.metadata[MetaKey] = key
	return e
}

// ErrSecureWrite 包装安全层写入失败
func ErrSecureWrite(err error) error {
	return fmt.Errorf("%w: %w", errSecureWrite, err)
}

// ErrFallbackWrite 包装降级层写入失败
func ErrFallbackWrite(err error) error {
	return fmt.Errorf("%w: %w", errFallbackWrite, err)
}

// ErrStoreClosed 存储已关闭
func ErrStoreClosed() error {
	return errStoreClosed
}

// AttemptsRemaining 返回错误携带的剩余尝试次数
func AttemptsRemaining(err error) (int, bool) {
	e, ok := As(err)
	if !ok {
		return 0, false
	}
	n, ok := e.Metadata()[MetaAttemptsRemaining].(int)
	return n, ok
}

// RetryAfter 返回冷却错误的剩余等待时间
func RetryAfter(err error) (time.Duration, bool) {
	e, ok := As(err)
	if !ok {
		return 0, false
	}
	d, ok := e.Metadata()[MetaRetryAfter].(time.Duration)
	return d, ok
}

// IsNetwork 判断是否为网络错误
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsAuth 判断是否为认证错误
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsLockout 判断是否为锁定错误
func IsLockout(err error) bool { return errors.Is(err, ErrLockout) }

// UserVisible 判断错误是否需要展示给用户；存储层错误在本地恢复
func UserVisible(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrLockout) || errors.Is(err, ErrCooldown)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
