package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
)

// 持久化键，与存储层无关
const (
	KeySessionToken = "session.token"
	KeySessionUser  = "session.user"
)

// Tier 标识数据实际写入的存储层
type Tier string

const (
	TierNone     Tier = ""
	TierSecure   Tier = "secure"
	TierFallback Tier = "fallback"
)

// Config 凭证保险库配置
type Config struct {
	// 安全层，为nil时视为设备不支持安全存储
	Secure *SecureTier
	// 明文降级层，必填
	Fallback Store
	// 日志
	Logger logging.Logger
	// 指标，可为nil
	Metrics *metrics.Metrics
	// 时钟，用于判断JWT令牌是否过期
	Now func() time.Time
}

// Vault 凭证保险库：安全层优先，安全层不可用或用户拒绝设备认证时写入明文降级层。
// 会话存储只由Vault负责。
type Vault struct {
	secure   *SecureTier
	fallback Store
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New 创建凭证保险库
func New(config Config) (*Vault, error) {
	if config.Fallback == nil {
		return nil, errors.New("vault: fallback store is required")
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Vault{
		secure:   config.Secure,
		fallback: config.Fallback,
		logger:   config.Logger.With(map[string]interface{}{logging.FieldComponent: "vault"}),
		metrics:  config.Metrics,
		now:      config.Now,
	}, nil
}

// SaveSession 保存会话。用户取消设备认证或安全层不可用时写入降级层，
// 记录安全降级警告并返回成功；只有两层都失败时才返回错误。
func (v *Vault) SaveSession(ctx context.Context, s Session) (Tier, error) {
	if err := s.Validate(); err != nil {
		return TierNone, err
	}

	token, err := json.Marshal(s.Token)
	if err != nil {
		return TierNone, err
	}
	user, err := json.Marshal(s.User)
	if err != nil {
		return TierNone, err
	}

	return v.put(ctx, "save_session", []entry{
		{key: KeySessionToken, value: token},
		{key: KeySessionUser, value: user},
	})
}

// GetSession 读取会话，先读安全层再读降级层。
// 令牌结构非法或数据无法解析时删除该条目并返回(nil, nil)。
func (v *Vault) GetSession(ctx context.Context) (*Session, error) {
	for _, t := range v.readOrder() {
		rawToken, err := t.store.Get(ctx, KeySessionToken)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				v.logReadFailure(t.tier, KeySessionToken, err)
				if errors.Is(err, errs.ErrCorruptData) {
					v.purge(ctx, t, KeySessionToken, err)
					return nil, nil
				}
			}
			continue
		}

		s, err := decodeSession(ctx, t.store, rawToken)
		if errors.Is(err, errTierUnreadable) {
			// 读不到不等于损坏，保留数据
			v.logReadFailure(t.tier, KeySessionUser, err)
			continue
		}
		if err != nil {
			v.purge(ctx, t, KeySessionToken, err)
			return nil, nil
		}

		if info, ok := InspectToken(s.Token); ok && info.Expired(v.now()) {
			v.logger.Info("已保存的会话令牌已过期，清除会话", map[string]interface{}{
				logging.FieldTier: string(t.tier),
			})
			v.deleteFrom(ctx, t, KeySessionToken, KeySessionUser)
			return nil, nil
		}
		return s, nil
	}
	return nil, nil
}

// ClearSession 无条件删除两层中的会话，可重复调用
func (v *Vault) ClearSession(ctx context.Context) error {
	return v.deleteAll(ctx, KeySessionToken, KeySessionUser)
}

// IsSecureStorageAvailable 安全存储能力探测，供调用方决定是否提示安全降级
func (v *Vault) IsSecureStorageAvailable(ctx context.Context) bool {
	if v.secure == nil {
		return false
	}
	return v.secure.Check(ctx) == nil
}

// Put 以与会话相同的分层策略保存任意JSON值
func (v *Vault) Put(ctx context.Context, key string, value []byte) (Tier, error) {
	return v.put(ctx, "put", []entry{{key: key, value: value}})
}

// Get 按安全层、降级层的顺序读取，均不存在时返回ErrNotFound。
// 安全层数据损坏时清除该条目。
func (v *Vault) Get(ctx context.Context, key string) ([]byte, error) {
	return v.get(ctx, key, true)
}

// Peek 与Get相同，但损坏的条目只记录日志，不做清除
func (v *Vault) Peek(ctx context.Context, key string) ([]byte, error) {
	return v.get(ctx, key, false)
}

func (v *Vault) get(ctx context.Context, key string, purge bool) ([]byte, error) {
	for _, t := range v.readOrder() {
		data, err := t.store.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		v.logReadFailure(t.tier, key, err)
		if errors.Is(err, errs.ErrCorruptData) {
			if purge {
				v.purge(ctx, t, key, err)
			}
			return nil, ErrNotFound
		}
	}
	return nil, ErrNotFound
}

// Delete 从两层删除键
func (v *Vault) Delete(ctx context.Context, keys ...string) error {
	return v.deleteAll(ctx, keys...)
}

type entry struct {
	key   string
	value []byte
}

type tierStore struct {
	tier  Tier
	store Store
}

func (v *Vault) readOrder() []tierStore {
	order := make([]tierStore, 0, 2)
	if v.secure != nil {
		order = append(order, tierStore{tier: TierSecure, store: v.secure})
	}
	return append(order, tierStore{tier: TierFallback, store: v.fallback})
}

func (v *Vault) put(ctx context.Context, op string, entries []entry) (Tier, error) {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}

	secureErr := ErrSecureUnavailable
	if v.secure != nil {
		secureErr = writeAll(ctx, v.secure, entries)
		if secureErr == nil {
			// 降级层中的旧副本不再有效
			if err := v.fallback.Del(ctx, keys...); err != nil {
				v.logger.Warn("清除降级层旧数据失败", map[string]interface{}{
					logging.FieldError: err,
				})
			}
			return TierSecure, nil
		}
	}

	fields := map[string]interface{}{
		"op":               op,
		logging.FieldError: secureErr,
	}
	if errors.Is(secureErr, ErrAuthCancelled) {
		v.logger.Warn("用户拒绝设备认证，以明文方式保存，安全性降低", fields)
	} else {
		v.logger.Warn("安全存储不可用，以明文方式保存，安全性降低", fields)
	}

	if err := writeAll(ctx, v.fallback, entries); err != nil {
		return TierNone, errs.NewStorageError(op, errors.Join(errs.ErrSecureWrite(secureErr), errs.ErrFallbackWrite(err)))
	}
	v.metrics.IncVaultFallback(op)

	// 安全层里的旧副本会在读取时优先返回，必须清除
	if v.secure != nil {
		if err := v.secure.Del(ctx, keys...); err != nil {
			v.logger.Warn("清除安全层旧数据失败", map[string]interface{}{
				logging.FieldError: err,
			})
		}
	}
	return TierFallback, nil
}

func writeAll(ctx context.Context, store Store, entries []entry) error {
	for _, e := range entries {
		if err := store.Set(ctx, e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) deleteAll(ctx context.Context, keys ...string) error {
	var errList []error
	for _, t := range v.readOrder() {
		if err := t.store.Del(ctx, keys...); err != nil {
			v.logger.Warn("删除数据失败", map[string]interface{}{
				logging.FieldTier:  string(t.tier),
				logging.FieldError: err,
			})
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return errs.NewStorageError("delete", errors.Join(errList...))
	}
	return nil
}

func (v *Vault) deleteFrom(ctx context.Context, t tierStore, keys ...string) {
	if err := t.store.Del(ctx, keys...); err != nil {
		v.logger.Warn("删除数据失败", map[string]interface{}{
			logging.FieldTier:  string(t.tier),
			logging.FieldError: err,
		})
	}
}

// purge 清除损坏的条目；会话令牌损坏时连同用户资料一起清除
func (v *Vault) purge(ctx context.Context, t tierStore, key string, cause error) {
	keys := []string{key}
	if key == KeySessionToken {
		keys = append(keys, KeySessionUser)
	}
	v.logger.Warn("检测到损坏数据，已清除", map[string]interface{}{
		logging.FieldTier:  string(t.tier),
		logging.FieldKey:   key,
		logging.FieldError: errs.NewCorruptDataError(key, cause),
	})
	v.deleteFrom(ctx, t, keys...)
	v.metrics.IncCorruptPurged()
}

func (v *Vault) logReadFailure(tier Tier, key string, err error) {
	if errors.Is(err, ErrAuthCancelled) {
		v.logger.Info("用户拒绝设备认证，跳过安全层", map[string]interface{}{
			logging.FieldKey: key,
		})
		return
	}
	v.logger.Warn("读取存储失败", map[string]interface{}{
		logging.FieldTier:  string(tier),
		logging.FieldKey:   key,
		logging.FieldError: err,
	})
}

// errTierUnreadable 存储层暂时不可读，例如用户拒绝认证或I/O失败
var errTierUnreadable = errors.New("vault: tier unreadable")

// decodeSession 只有数据本身不合法时才返回非errTierUnreadable的错误
func decodeSession(ctx context.Context, store Store, rawToken []byte) (*Session, error) {
	var token string
	if err := json.Unmarshal(rawToken, &token); err != nil {
		return nil, err
	}
	if err := ValidateToken(token); err != nil {
		return nil, err
	}

	rawUser, err := store.Get(ctx, KeySessionUser)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, errs.ErrCorruptData) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errTierUnreadable, err)
	}
	var user User
	if err = json.Unmarshal(rawUser, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.New("vault: session user id is missing")
	}
	return &Session{Token: token, User: user}, nil
}
