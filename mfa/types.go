package mfa

import (
	"context"
	"time"

	"github.com/dormoron/aegis/vault"
)

// State 登录流程状态
type State string

const (
	// StateAwaitingCredentials 等待用户输入账号密码
	StateAwaitingCredentials State = "awaiting_credentials"
	// StateChallengeIssued 已下发验证码
	StateChallengeIssued State = "challenge_issued"
	// StateVerified 验证完成，会话已保存
	StateVerified State = "verified"
	// StateBlocked 验证码尝试次数耗尽
	StateBlocked State = "blocked"
	// StateCancelled 用户取消
	StateCancelled State = "cancelled"
)

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateVerified || s == StateCancelled
}

// Policy 验证策略
type Policy struct {
	// MaxAttempts 服务端未返回时的默认尝试次数
	MaxAttempts int
	// CodeTTL 服务端未返回时的默认验证码有效期
	CodeTTL time.Duration
	// ResendCooldown 两次下发之间的最短间隔
	ResendCooldown time.Duration
	// RequestTimeout 单次远程调用超时
	RequestTimeout time.Duration
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		CodeTTL:        5 * time.Minute,
		ResendCooldown: 30 * time.Second,
		RequestTimeout: 12 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.CodeTTL <= 0 {
		p.CodeTTL = d.CodeTTL
	}
	if p.ResendCooldown <= 0 {
		p.ResendCooldown = d.ResendCooldown
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = d.RequestTimeout
	}
	return p
}

// Challenge 进行中的二次验证
type Challenge struct {
	UserID            string
	Email             string
	IssuedAt          time.Time
	CodeExpiresAt     time.Time
	AttemptsRemaining int
	Blocked           bool
	State             State

	// 每次下发递增，用于识别已被取代的挑战
	generation uint64
}

// Expired 验证码是否已过期
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.CodeExpiresAt)
}

// LoginResult 登录结果，Session和Challenge恰有一个非空
type LoginResult struct {
	Session   *vault.Session
	Challenge *Challenge
}

// MFARequired 是否需要二次验证
func (r LoginResult) MFARequired() bool {
	return r.Challenge != nil
}

// BackupResult 备用码验证结果
type BackupResult struct {
	Session vault.Session
	// Remaining 剩余可用备用码数量
	Remaining int
}

// LoginResponse 远端登录响应
type LoginResponse struct {
	// Session 无需二次验证时直接返回的会话
	Session *vault.Session
	// MFARequired 需要二次验证
	MFARequired bool
	UserID      string
	// ExpiresIn 验证码有效期，0表示使用策略默认值
	ExpiresIn time.Duration
	// AttemptsRemaining 0表示使用策略默认值
	AttemptsRemaining int
}

// ResendResponse 远端重发验证码响应
type ResendResponse struct {
	ExpiresIn         time.Duration
	AttemptsRemaining int
}

// BackupResponse 远端备用码验证响应
type BackupResponse struct {
	Session   vault.Session
	Remaining int
}

// AuthService 远端认证服务。
// 凭证或验证码错误返回errs.NewAuthError，尝试次数耗尽返回errs.NewLockoutError，
// 网络失败返回errs.NewNetworkError。
type AuthService interface {
	Login(ctx context.Context, email, password string) (LoginResponse, error)
	VerifyMFA(ctx context.Context, userID, code string) (vault.Session, error)
	ResendCode(ctx context.Context, email string) (ResendResponse, error)
	VerifyBackupCode(ctx context.Context, userID, code string) (BackupResponse, error)
	EnableMFA(ctx context.Context, token string) ([]string, error)
	DisableMFA(ctx context.Context, token string) error
	RegenerateBackupCodes(ctx context.Context, token string) ([]string, error)
}
