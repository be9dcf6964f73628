package vault

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dormoron/aegis/observability/logging"
)

// 旧版本客户端使用的明文键
const (
	LegacyKeyToken = "userToken"
	LegacyKeyUser  = "userData"

	// KeyMigrationDone 迁移完成标记
	KeyMigrationDone = "migration.legacy_session.done"
)

// ErrMigrationInProgress 已有迁移正在执行
var ErrMigrationInProgress = errors.New("vault: legacy migration already in progress")

// MigrationResult 迁移结果
type MigrationResult struct {
	// Migrated 是否迁移了会话
	Migrated bool
	// Tier 会话写入的存储层
	Tier Tier
	// Discarded 旧数据不合法被丢弃
	Discarded bool
}

// Migrator 将旧版本明文存储的会话迁移到Vault
type Migrator struct {
	legacy  Store
	vault   *Vault
	logger  logging.Logger
	running atomic.Bool
	now     func() time.Time
}

// NewMigrator 创建迁移器
func NewMigrator(legacy Store, v *Vault, logger logging.Logger) *Migrator {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Migrator{
		legacy: legacy,
		vault:  v,
		logger: logger.With(map[string]interface{}{logging.FieldComponent: "migrator"}),
		now:    time.Now,
	}
}

// legacyUser 兼容旧版本的字段命名
type legacyUser struct {
	ID          string `json:"id"`
	UID         string `json:"uid"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (u legacyUser) toUser() User {
	user := User{ID: u.ID, Name: u.Name, Email: u.Email}
	if user.ID == "" {
		user.ID = u.UID
	}
	if user.Name == "" {
		user.Name = u.DisplayName
	}
	return user
}

// MigrateLegacyToVault 幂等迁移。没有旧数据时直接成功；
// 旧令牌不合法时删除旧数据且不写入任何内容；
// 已有迁移完成标记时只清除残留的旧数据。
func (m *Migrator) MigrateLegacyToVault(ctx context.Context) (MigrationResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		return MigrationResult{}, ErrMigrationInProgress
	}
	defer m.running.Store(false)

	rawToken, err := m.legacy.Get(ctx, LegacyKeyToken)
	if errors.Is(err, ErrNotFound) {
		return MigrationResult{}, nil
	}
	if err != nil {
		return MigrationResult{}, err
	}

	if _, err = m.vault.Get(ctx, KeyMigrationDone); err == nil {
		// 已迁移过，旧客户端重新写入的明文数据不再迁移
		m.logger.Warn("迁移已完成，清除残留的旧版本会话数据", nil)
		return MigrationResult{}, m.legacy.Del(ctx, LegacyKeyToken, LegacyKeyUser)
	}

	session, ok, err := m.decode(ctx, rawToken)
	if err != nil {
		// 读取失败时保留旧数据，下次启动再试
		return MigrationResult{}, err
	}
	if !ok {
		m.logger.Warn("旧版本会话数据不合法，已丢弃", nil)
		if err = m.legacy.Del(ctx, LegacyKeyToken, LegacyKeyUser); err != nil {
			return MigrationResult{}, err
		}
		return MigrationResult{Discarded: true}, nil
	}

	tier, err := m.vault.SaveSession(ctx, session)
	if err != nil {
		// 保留旧数据，下次启动再试
		return MigrationResult{}, err
	}

	if err = m.legacy.Del(ctx, LegacyKeyToken, LegacyKeyUser); err != nil {
		return MigrationResult{Migrated: true, Tier: tier}, err
	}

	marker, _ := json.Marshal(m.now().UTC().Format(time.RFC3339))
	if _, err = m.vault.Put(ctx, KeyMigrationDone, marker); err != nil {
		m.logger.Warn("写入迁移完成标记失败", map[string]interface{}{logging.FieldError: err})
	}

	m.logger.Info("旧版本会话已迁移", map[string]interface{}{
		logging.FieldUserID: session.User.ID,
		logging.FieldTier:   string(tier),
	})
	return MigrationResult{Migrated: true, Tier: tier}, nil
}

// decode 返回的错误只表示旧存储读取失败；数据不合法时返回ok为false
func (m *Migrator) decode(ctx context.Context, rawToken []byte) (Session, bool, error) {
	// 旧版本直接保存令牌字符串，也兼容JSON字符串
	token := strings.TrimSpace(string(rawToken))
	var quoted string
	if json.Unmarshal(rawToken, &quoted) == nil {
		token = quoted
	}
	if ValidateToken(token) != nil {
		return Session{}, false, nil
	}

	rawUser, err := m.legacy.Get(ctx, LegacyKeyUser)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var lu legacyUser
	if err = json.Unmarshal(rawUser, &lu); err != nil {
		return Session{}, false, nil
	}
	session := Session{Token: token, User: lu.toUser()}
	return session, session.Validate() == nil, nil
}
