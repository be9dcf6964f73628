package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
	"github.com/dormoron/aegis/ratelimit"
	"github.com/dormoron/aegis/vault"
)

// ErrOperationInFlight 同一用户已有验证请求在执行
var ErrOperationInFlight = errors.New("mfa: verification already in flight")

// KeyBackupCodes 本地保存的备用码集合
func KeyBackupCodes(userID string) string {
	return "mfa.backup_codes." + userID
}

// Config 协调器配置
type Config struct {
	Service AuthService
	Vault   *vault.Vault
	// Cooldown 为nil时使用进程内冷却，重启后重置
	Cooldown ratelimit.Cooldown
	Policy   Policy
	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Coordinator 驱动登录、二次验证直至得到会话的状态机。
// 每个用户同时只有一个有效挑战，重发总是取代旧挑战。
type Coordinator struct {
	service  AuthService
	vault    *vault.Vault
	cooldown ratelimit.Cooldown
	policy   Policy
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.Mutex
	challenges map[string]*Challenge
	states     map[string]State
	byEmail    map[string]string
	inflight   map[string]struct{}
	generation uint64

	resend singleflight.Group
}

// NewCoordinator 创建协调器
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Service == nil {
		return nil, errors.New("mfa: auth service is required")
	}
	if config.Vault == nil {
		return nil, errors.New("mfa: vault is required")
	}
	config.Policy = config.Policy.withDefaults()
	if config.Cooldown == nil {
		config.Cooldown = ratelimit.NewMemoryCooldown(config.Policy.ResendCooldown)
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Coordinator{
		service:    config.Service,
		vault:      config.Vault,
		cooldown:   config.Cooldown,
		policy:     config.Policy,
		logger:     config.Logger.With(map[string]interface{}{logging.FieldComponent: "mfa"}),
		metrics:    config.Metrics,
		now:        config.Now,
		challenges: make(map[string]*Challenge),
		states:     make(map[string]State),
		byEmail:    make(map[string]string),
		inflight:   make(map[string]struct{}),
	}, nil
}

// Login 账号密码登录。无需二次验证时直接保存会话，否则下发挑战。
func (c *Coordinator) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, errs.NewAuthError("邮箱和密码不能为空", -1)
	}

	var resp LoginResponse
	err := c.call(ctx, func(ctx context.Context) (err error) {
		resp, err = c.service.Login(ctx, email, password)
		return err
	})
	if err != nil {
		return LoginResult{}, err
	}

	switch {
	case resp.Session != nil:
		if err = c.persist(ctx, *resp.Session); err != nil {
			return LoginResult{}, err
		}
		c.mu.Lock()
		c.discardLocked(resp.Session.User.ID)
		c.states[resp.Session.User.ID] = StateVerified
		c.mu.Unlock()
		s := *resp.Session
		return LoginResult{Session: &s}, nil

	case resp.MFARequired && resp.UserID != "":
		ch := c.issue(resp.UserID, email, resp.ExpiresIn, resp.AttemptsRemaining)
		if err = c.cooldown.Mark(ctx, email); err != nil {
			c.logger.Warn("记录验证码下发时间失败", map[string]interface{}{logging.FieldError: err})
		}
		c.logger.Info("需要二次验证", map[string]interface{}{
			logging.FieldUserID: resp.UserID,
		})
		return LoginResult{Challenge: &ch}, nil

	default:
		return LoginResult{}, errs.NewAuthError("认证服务响应无效", -1)
	}
}

// VerifyCode 校验6位验证码。格式错误、没有挑战、已锁定或已过期时不访问网络。
func (c *Coordinator) VerifyCode(ctx context.Context, userID, code string) (*vault.Session, error) {
	if err := ValidateCode(code); err != nil {
		c.metrics.ObserveVerification("code", "invalid")
		return nil, err
	}
	if !c.begin(userID) {
		return nil, ErrOperationInFlight
	}
	defer c.end(userID)

	c.mu.Lock()
	ch, ok := c.challenges[userID]
	if !ok {
		c.mu.Unlock()
		return nil, errs.NewAuthError("没有进行中的验证", -1)
	}
	if ch.Blocked {
		c.mu.Unlock()
		c.metrics.ObserveVerification("code", "locked")
		return nil, errs.NewLockoutError("验证码尝试次数已用完，请使用备用码或重新获取验证码")
	}
	if ch.Expired(c.now()) {
		attempts := ch.AttemptsRemaining
		c.mu.Unlock()
		c.metrics.ObserveVerification("code", "expired")
		return nil, errs.NewAuthError("验证码已过期，请重新获取", attempts)
	}
	gen := ch.generation
	c.mu.Unlock()

	var session vault.Session
	err := c.call(ctx, func(ctx context.Context) (err error) {
		session, err = c.service.VerifyMFA(ctx, userID, code)
		return err
	})
	if err != nil {
		return nil, c.failAttempt(userID, gen, err)
	}

	if err = c.persist(ctx, session); err != nil {
		return nil, err
	}
	c.complete(userID)
	c.metrics.ObserveVerification("code", "success")
	return &session, nil
}

// failAttempt 根据远端错误更新剩余次数，次数耗尽时锁定挑战
func (c *Coordinator) failAttempt(userID string, gen uint64, err error) error {
	if !errs.IsAuth(err) && !errs.IsLockout(err) {
		c.metrics.ObserveVerification("code", "error")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.challenges[userID]
	if !ok || ch.generation != gen {
		// 调用期间挑战已被重发取代或取消
		return err
	}

	remaining := ch.AttemptsRemaining - 1
	if n, ok := errs.AttemptsRemaining(err); ok {
		remaining = n
	}
	if remaining < 0 {
		remaining = 0
	}
	ch.AttemptsRemaining = remaining

	if remaining == 0 || errs.IsLockout(err) {
		ch.AttemptsRemaining = 0
		ch.Blocked = true
		ch.State = StateBlocked
		c.states[userID] = StateBlocked
		c.metrics.IncLockout()
		c.metrics.ObserveVerification("code", "locked")
		c.logger.Warn("验证码尝试次数耗尽", map[string]interface{}{logging.FieldUserID: userID})
		return errs.NewLockoutError("验证码尝试次数已用完，请使用备用码或重新获取验证码")
	}

	c.metrics.ObserveVerification("code", "failure")
	return errs.NewAuthError("验证码错误", remaining)
}

// ResendCode 重新下发验证码。冷却期内直接拒绝，不访问网络；
// 成功后旧验证码失效，尝试次数和有效期重置，锁定状态下同样可用。
func (c *Coordinator) ResendCode(ctx context.Context, email string) (*Challenge, error) {
	email = normalizeEmail(email)

	c.mu.Lock()
	userID, ok := c.byEmail[email]
	c.mu.Unlock()
	if !ok {
		return nil, errs.NewAuthError("没有进行中的登录，请重新登录", -1)
	}

	v, err, _ := c.resend.Do(email, func() (interface{}, error) {
		left, err := c.cooldown.Acquire(ctx, email)
		if err != nil {
			return nil, errs.NewStorageError("resend_cooldown", err)
		}
		if left > 0 {
			c.metrics.IncResendRejected()
			return nil, errs.NewCooldownError(left)
		}

		var resp ResendResponse
		err = c.call(ctx, func(ctx context.Context) (err error) {
			resp, err = c.service.ResendCode(ctx, email)
			return err
		})
		if err != nil {
			// 没有下发成功，不占用冷却期
			if rerr := c.cooldown.Reset(ctx, email); rerr != nil {
				c.logger.Warn("重置冷却期失败", map[string]interface{}{logging.FieldError: rerr})
			}
			return nil, err
		}

		ch := c.issue(userID, email, resp.ExpiresIn, resp.AttemptsRemaining)
		c.logger.Info("验证码已重新下发", map[string]interface{}{logging.FieldUserID: userID})
		return &ch, nil
	})
	if err != nil {
		return nil, err
	}
	ch := *v.(*Challenge)
	return &ch, nil
}

// VerifyBackupCode 使用备用码完成验证，锁定状态下同样可用。
// 备用码由远端保证只能使用一次，本地集合同步移除已用的备用码。
func (c *Coordinator) VerifyBackupCode(ctx context.Context, userID, code string) (BackupResult, error) {
	code, err := NormalizeBackupCode(code)
	if err != nil {
		c.metrics.ObserveVerification("backup", "invalid")
		return BackupResult{}, err
	}
	if !c.begin(userID) {
		return BackupResult{}, ErrOperationInFlight
	}
	defer c.end(userID)

	c.mu.Lock()
	_, ok := c.challenges[userID]
	c.mu.Unlock()
	if !ok {
		return BackupResult{}, errs.NewAuthError("没有进行中的验证", -1)
	}

	var resp BackupResponse
	err = c.call(ctx, func(ctx context.Context) (err error) {
		resp, err = c.service.VerifyBackupCode(ctx, userID, code)
		return err
	})
	if err != nil {
		c.metrics.ObserveVerification("backup", "failure")
		return BackupResult{}, err
	}

	if err = c.persist(ctx, resp.Session); err != nil {
		return BackupResult{}, err
	}
	c.complete(userID)
	c.spendBackupCode(ctx, userID, code)
	c.metrics.ObserveVerification("backup", "success")

	if resp.Remaining == 0 {
		c.logger.Warn("备用码已全部用完，请重新生成", map[string]interface{}{logging.FieldUserID: userID})
	}
	return BackupResult{Session: resp.Session, Remaining: resp.Remaining}, nil
}

// Cancel 放弃当前挑战
func (c *Coordinator) Cancel(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardLocked(userID)
	c.states[userID] = StateCancelled
}

// State 返回用户当前状态
func (c *Coordinator) State(userID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[userID]; ok {
		return s
	}
	return StateAwaitingCredentials
}

// Challenge 返回用户当前挑战的副本
func (c *Coordinator) Challenge(userID string) (Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.challenges[userID]
	if !ok {
		return Challenge{}, false
	}
	return *ch, true
}

// EnableMFA 为当前登录用户开启二次验证，返回完整的备用码集合
func (c *Coordinator) EnableMFA(ctx context.Context) ([]string, error) {
	return c.replaceBackupCodes(ctx, "enable", c.service.EnableMFA)
}

// RegenerateBackupCodes 重新生成备用码，旧集合整体失效
func (c *Coordinator) RegenerateBackupCodes(ctx context.Context) ([]string, error) {
	return c.replaceBackupCodes(ctx, "regenerate", c.service.RegenerateBackupCodes)
}

// DisableMFA 关闭二次验证并删除本地备用码
func (c *Coordinator) DisableMFA(ctx context.Context) error {
	session, err := c.currentSession(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, func(ctx context.Context) error {
		return c.service.DisableMFA(ctx, session.Token)
	})
	if err != nil {
		return err
	}
	return c.vault.Delete(ctx, KeyBackupCodes(session.User.ID))
}

// BackupCodes 返回本地保存的未使用备用码
func (c *Coordinator) BackupCodes(ctx context.Context, userID string) ([]string, error) {
	data, err := c.vault.Get(ctx, KeyBackupCodes(userID))
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var codes []string
	if err = json.Unmarshal(data, &codes); err != nil {
		return nil, errs.NewCorruptDataError(KeyBackupCodes(userID), err)
	}
	return codes, nil
}

func (c *Coordinator) replaceBackupCodes(ctx context.Context, op string,
	fn func(ctx context.Context, token string) ([]string, error)) ([]string, error) {
	session, err := c.currentSession(ctx)
	if err != nil {
		return nil, err
	}

	var codes []string
	err = c.call(ctx, func(ctx context.Context) (err error) {
		codes, err = fn(ctx, session.Token)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, errs.NewAuthError("认证服务未返回备用码", -1)
	}

	normalized := make([]string, 0, len(codes))
	for _, code := range codes {
		n, err := NormalizeBackupCode(code)
		if err != nil {
			// 不接受部分有效的集合
			return nil, errs.NewAuthError("认证服务返回的备用码格式错误", -1)
		}
		normalized = append(normalized, n)
	}

	if err = c.storeBackupCodes(ctx, session.User.ID, normalized); err != nil {
		return nil, err
	}
	c.logger.Info("备用码已更新", map[string]interface{}{
		logging.FieldUserID: session.User.ID,
		"op":                op,
		"count":             len(normalized),
	})
	return normalized, nil
}

func (c *Coordinator) storeBackupCodes(ctx context.Context, userID string, codes []string) error {
	data, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	_, err = c.vault.Put(ctx, KeyBackupCodes(userID), data)
	return err
}

func (c *Coordinator) spendBackupCode(ctx context.Context, userID, code string) {
	codes, err := c.BackupCodes(ctx, userID)
	if err != nil || len(codes) == 0 {
		return
	}
	kept := codes[:0]
	for _, existing := range codes {
		if existing != code {
			kept = append(kept, existing)
		}
	}
	if err = c.storeBackupCodes(ctx, userID, kept); err != nil {
		c.logger.Warn("更新本地备用码失败", map[string]interface{}{logging.FieldError: err})
	}
}

func (c *Coordinator) currentSession(ctx context.Context) (*vault.Session, error) {
	session, err := c.vault.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errs.NewAuthError("请先登录", -1)
	}
	return session, nil
}

// issue 下发新挑战并取代旧挑战
func (c *Coordinator) issue(userID, email string, expiresIn time.Duration, attempts int) Challenge {
	if expiresIn <= 0 {
		expiresIn = c.policy.CodeTTL
	}
	if attempts <= 0 {
		attempts = c.policy.MaxAttempts
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	ch := &Challenge{
		UserID:            userID,
		Email:             email,
		IssuedAt:          now,
		CodeExpiresAt:     now.Add(expiresIn),
		AttemptsRemaining: attempts,
		State:             StateChallengeIssued,
		generation:        c.generation,
	}
	c.challenges[userID] = ch
	c.byEmail[email] = userID
	c.states[userID] = StateChallengeIssued
	return *ch
}

func (c *Coordinator) complete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardLocked(userID)
	c.states[userID] = StateVerified
}

func (c *Coordinator) discardLocked(userID string) {
	if ch, ok := c.challenges[userID]; ok {
		delete(c.byEmail, ch.Email)
		delete(c.challenges, userID)
	}
}

func (c *Coordinator) persist(ctx context.Context, s vault.Session) error {
	tier, err := c.vault.SaveSession(ctx, s)
	if err != nil {
		return err
	}
	c.logger.Info("会话已保存", map[string]interface{}{
		logging.FieldUserID: s.User.ID,
		logging.FieldTier:   string(tier),
	})
	return nil
}

func (c *Coordinator) begin(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[userID]; ok {
		return false
	}
	c.inflight[userID] = struct{}{}
	return true
}

func (c *Coordinator) end(userID string) {
	c.mu.Lock()
	delete(c.inflight, userID)
	c.mu.Unlock()
}

// call 以策略超时调用远端，超时统一转换为网络错误
func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errs.IsNetwork(err) || errs.IsAuth(err) || errs.IsLockout(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.NewNetworkError("auth", err)
	}
	return err
}
