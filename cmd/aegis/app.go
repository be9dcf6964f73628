package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dormoron/aegis/authclient"
	"github.com/dormoron/aegis/config"
	"github.com/dormoron/aegis/consent"
	"github.com/dormoron/aegis/mfa"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
	"github.com/dormoron/aegis/observability/opentelemetry"
	"github.com/dormoron/aegis/ratelimit"
	"github.com/dormoron/aegis/vault"
)

const deviceKeyFile = "device.key"

// App 进程内唯一的组件集合，命令执行前构建，结束后关闭
type App struct {
	cfg         *config.Config
	logger      logging.Logger
	metrics     *metrics.Metrics
	telemetry   *opentelemetry.Provider
	redis       redis.UniversalClient
	vault       *vault.Vault
	migrator    *vault.Migrator
	coordinator *mfa.Coordinator
	ledger      *consent.Ledger
	in          *bufio.Reader

	closers []io.Closer
}

func newApp(cfg *config.Config, in io.Reader, out io.Writer, assumeYes bool) (*App, error) {
	a := &App{cfg: cfg, in: bufio.NewReader(in)}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	logging.SetDefaultLogger(logger)

	a.metrics = metrics.New(cfg.MetricsOptions())
	if err = a.metrics.Start(); err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		a.telemetry, err = opentelemetry.NewProvider(cfg.TelemetryOptions())
		if err != nil {
			a.logger.Warn("链路追踪初始化失败", map[string]interface{}{logging.FieldError: err})
		}
	}

	fallback, err := vault.NewFileStore(cfg.Storage.FallbackDir)
	if err != nil {
		return nil, err
	}

	secure, err := a.buildSecureTier(newTerminalAuthenticator(a.in, out, assumeYes))
	if err != nil {
		// 安全层不可用时仍以降级层运行
		a.logger.Warn("安全存储初始化失败，将使用明文存储", map[string]interface{}{logging.FieldError: err})
		secure = nil
	}

	a.vault, err = vault.New(vault.Config{
		Secure:   secure,
		Fallback: fallback,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	legacy, err := vault.NewFileStore(cfg.Storage.LegacyDir)
	if err != nil {
		return nil, err
	}
	a.migrator = vault.NewMigrator(legacy, a.vault, a.logger)

	client, err := authclient.New(authclient.Config{
		BaseURL: cfg.Auth.BaseURL,
		Timeout: cfg.Auth.Timeout,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}

	var cooldown ratelimit.Cooldown
	if a.redis != nil {
		cooldown = ratelimit.NewRedisCooldown(a.redis, strings.TrimSuffix(cfg.Storage.KeyPrefix, ":"), cfg.Policy.ResendCooldown)
	}
	a.coordinator, err = mfa.NewCoordinator(mfa.Config{
		Service:  client,
		Vault:    a.vault,
		Cooldown: cooldown,
		Policy:   cfg.MFAPolicy(),
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.ledger, err = consent.NewLedger(consent.Config{
		Storage:       a.vault,
		SchemaVersion: cfg.Consent.SchemaVersion,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildLogger(cfg *config.Config) (logging.Logger, error) {
	opts := cfg.LoggingOptions()
	// 命令输出走stdout，日志写到stderr
	opts.Writer = os.Stderr
	opts.IncludeLocation = opts.Level == logging.LevelDebug
	if cfg.Log.File != "" {
		return logging.GetFileLogger(cfg.Log.File, opts.Level)
	}
	return logging.NewStructuredLogger(opts), nil
}

func (a *App) buildSecureTier(auth vault.DeviceAuthenticator) (*vault.SecureTier, error) {
	var store vault.Store
	switch a.cfg.Storage.SecureBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		store = vault.NewMemoryStore()
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Storage.RedisAddr,
			Password: a.cfg.Storage.RedisPassword,
			DB:       a.cfg.Storage.RedisDB,
		})
		rs, err := vault.NewRedisStore(vault.RedisStoreConfig{
			Client:    a.redis,
			KeyPrefix: a.cfg.Storage.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err = rs.Ping(ctx); err != nil {
			_ = rs.Close()
			a.redis = nil
			return nil, fmt.Errorf("连接Redis失败: %w", err)
		}
		store = rs
	default:
		fileStore, err := vault.NewFileStore(a.cfg.Storage.SecureDir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	a.closers = append(a.closers, store)

	secret, err := a.deviceSecret()
	if err != nil {
		return nil, err
	}
	crypto, err := vault.NewAESCryptoFromSecret(secret, []byte(a.cfg.Storage.Salt))
	if err != nil {
		return nil, err
	}
	return vault.NewSecureTier(store, crypto, auth)
}

// deviceSecret 优先使用配置的设备密钥，否则在安全目录中生成并保存一个随机密钥
func (a *App) deviceSecret() ([]byte, error) {
	if a.cfg.Storage.DeviceSecret != "" {
		return []byte(a.cfg.Storage.DeviceSecret), nil
	}

	path := filepath.Join(a.cfg.Storage.SecureDir, deviceKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err = rand.Read(secret); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(a.cfg.Storage.SecureDir, 0o700); err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}

// currentUser 返回当前登录用户的ID
func (a *App) currentUser(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	session, err := a.vault.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", errors.New("未登录，请先执行aegis login或使用--user指定用户")
	}
	return session.User.ID, nil
}

func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errList []error
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errList = append(errList, err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if sl, ok := a.logger.(*logging.StructuredLogger); ok {
		_ = sl.Sync()
	}
	return errors.Join(errList...)
}
