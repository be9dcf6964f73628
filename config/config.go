// Package config 基于viper的配置加载
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dormoron/aegis/mfa"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
	"github.com/dormoron/aegis/observability/opentelemetry"
)

// EnvPrefix 环境变量前缀，例如AEGIS_AUTH_BASE_URL
const EnvPrefix = "AEGIS"

// 安全层后端
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// 远端请求超时允许的范围
const (
	MinRequestTimeout = 10 * time.Second
	MaxRequestTimeout = 15 * time.Second
)

// Config 完整配置
type Config struct {
	Auth      AuthConfig      `mapstructure:"auth"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Consent   ConsentConfig   `mapstructure:"consent"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AuthConfig 远端认证服务
type AuthConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PolicyConfig 二次验证策略
type PolicyConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	CodeTTL        time.Duration `mapstructure:"code_ttl"`
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
}

// StorageConfig 存储
type StorageConfig struct {
	// SecureBackend 安全层后端：file、redis、memory或none
	SecureBackend string `mapstructure:"secure_backend"`
	SecureDir     string `mapstructure:"secure_dir"`
	FallbackDir   string `mapstructure:"fallback_dir"`
	// LegacyDir 旧版本明文数据目录
	LegacyDir     string `mapstructure:"legacy_dir"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	// DeviceSecret 派生加密密钥的设备密钥
	DeviceSecret string `mapstructure:"device_secret"`
	Salt         string `mapstructure:"salt"`
}

// ConsentConfig 同意账本
type ConsentConfig struct {
	SchemaVersion string `mapstructure:"schema_version"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TelemetryConfig 链路追踪
type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
}

// MetricsConfig 指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Default 默认配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// 默认值都是基本类型，不会失败
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load 依次读取默认值、配置文件和环境变量
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".aegis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/aegis")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".aegis")
	policy := mfa.DefaultPolicy()

	v.SetDefault("auth.base_url", "http://127.0.0.1:8080")
	v.SetDefault("auth.timeout", policy.RequestTimeout)

	v.SetDefault("policy.max_attempts", policy.MaxAttempts)
	v.SetDefault("policy.code_ttl", policy.CodeTTL)
	v.SetDefault("policy.resend_cooldown", policy.ResendCooldown)

	v.SetDefault("storage.secure_backend", BackendFile)
	v.SetDefault("storage.secure_dir", filepath.Join(dataDir, "secure"))
	v.SetDefault("storage.fallback_dir", filepath.Join(dataDir, "plain"))
	v.SetDefault("storage.legacy_dir", filepath.Join(dataDir, "legacy"))
	v.SetDefault("storage.redis_addr", "127.0.0.1:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.key_prefix", "aegis:")
	v.SetDefault("storage.salt", "aegis-device-salt")

	v.SetDefault("consent.schema_version", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "aegis")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Auth.BaseURL == "" {
		return errors.New("auth.base_url不能为空")
	}
	if c.Auth.Timeout < MinRequestTimeout || c.Auth.Timeout > MaxRequestTimeout {
		return fmt.Errorf("auth.timeout必须在%s到%s之间", MinRequestTimeout, MaxRequestTimeout)
	}
	if c.Policy.MaxAttempts <= 0 {
		return errors.New("policy.max_attempts必须为正数")
	}
	if c.Policy.CodeTTL <= 0 {
		return errors.New("policy.code_ttl必须为正数")
	}
	if c.Policy.ResendCooldown <= 0 {
		return errors.New("policy.resend_cooldown必须为正数")
	}

	switch c.Storage.SecureBackend {
	case BackendFile, BackendRedis, BackendMemory, BackendNone:
	default:
		return fmt.Errorf("未知的安全层后端: %s", c.Storage.SecureBackend)
	}
	if c.Storage.FallbackDir == "" {
		return errors.New("storage.fallback_dir不能为空")
	}
	if c.Storage.SecureBackend == BackendRedis && c.Storage.RedisAddr == "" {
		return errors.New("使用redis后端时storage.redis_addr不能为空")
	}
	if len(c.Storage.Salt) < 8 {
		return errors.New("storage.salt至少为8个字符")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("无效的日志级别: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("无效的日志格式: %s", c.Log.Format)
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return errors.New("telemetry.sampling_ratio必须在0到1之间")
	}
	return nil
}

// MFAPolicy 转换为二次验证策略
func (c *Config) MFAPolicy() mfa.Policy {
	return mfa.Policy{
		MaxAttempts:    c.Policy.MaxAttempts,
		CodeTTL:        c.Policy.CodeTTL,
		ResendCooldown: c.Policy.ResendCooldown,
		RequestTimeout: c.Auth.Timeout,
	}
}

// LoggingOptions 转换为日志选项
func (c *Config) LoggingOptions() logging.Options {
	opts := logging.DefaultOptions()
	opts.Level = logging.ParseLevel(c.Log.Level)
	opts.Format = c.Log.Format
	return opts
}

// MetricsOptions 转换为指标配置
func (c *Config) MetricsOptions() metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = c.Metrics.Enabled
	mc.HTTPAddr = c.Metrics.Addr
	mc.MetricsPath = c.Metrics.Path
	return mc
}

// TelemetryOptions 转换为OpenTelemetry配置
func (c *Config) TelemetryOptions() opentelemetry.Config {
	tc := opentelemetry.DefaultConfig()
	tc.ServiceName = c.Telemetry.ServiceName
	tc.Endpoint = c.Telemetry.Endpoint
	tc.SamplingRatio = c.Telemetry.SamplingRatio
	return tc
}
