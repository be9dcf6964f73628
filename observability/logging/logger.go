package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 定义日志级别
type LogLevel int

const (
	// 调试信息
	LevelDebug LogLevel = iota
	// 普通信息
	LevelInfo
	// 警告信息
	LevelWarn
	// 错误信息
	LevelError
)

// 日志级别名称
var levelNames = map[LogLevel]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

// String 返回级别名称
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel 解析级别名称，未知名称返回LevelInfo
func ParseLevel(name string) LogLevel {
	for level, n := range levelNames {
		if strings.EqualFold(n, name) {
			return level
		}
	}
	if strings.EqualFold(name, "warning") {
		return LevelWarn
	}
	return LevelInfo
}

// Logger 是结构化日志接口
type Logger interface {
	// 调试日志
	Debug(msg string, fields map[string]interface{})
	// 普通信息
	Info(msg string, fields map[string]interface{})
	// 警告信息
	Warn(msg string, fields map[string]interface{})
	// 错误信息
	Error(msg string, fields map[string]interface{})

	// 创建子日志
	With(fields map[string]interface{}) Logger

	// 设置日志级别
	SetLevel(level LogLevel)

	// 获取日志级别
	GetLevel() LogLevel
}

// 公共字段名
const (
	FieldComponent = "component"
	FieldUserID    = "user_id"
	FieldEmail     = "email"
	FieldTier      = "tier"
	FieldKey       = "key"
	FieldEndpoint  = "endpoint"
	FieldDuration  = "duration_ms"
	FieldStatus    = "status"
	FieldError     = "error"
	FieldState     = "state"
	FieldPurpose   = "purpose"
	FieldTraceID   = "trace_id"
)

// Options 定义日志选项
type Options struct {
	// 输出位置
	Writer io.Writer
	// 最低日志级别
	Level LogLevel
	// 是否包含调用位置
	IncludeLocation bool
	// 服务名称
	ServiceName string
	// 输出格式: json 或 console
	Format string
}

// DefaultOptions 返回默认日志选项
func DefaultOptions() Options {
	return Options{
		Writer:          os.Stdout,
		Level:           LevelInfo,
		IncludeLocation: true,
		ServiceName:     "aegis",
		Format:          "json",
	}
}

// StructuredLogger 基于zap实现结构化日志
type StructuredLogger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
}

// NewStructuredLogger 创建新的结构化日志器
func NewStructuredLogger(opts Options) *StructuredLogger {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if opts.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	level := zap.NewAtomicLevelAt(toZapLevel(opts.Level))
	core := zapcore.NewCore(encoder, zapcore.AddSync(opts.Writer), level)

	zapOpts := []zap.Option{}
	if opts.IncludeLocation {
		// 跳过本包的包装函数
		zapOpts = append(zapOpts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	zl := zap.New(core, zapOpts...)
	if opts.ServiceName != "" {
		zl = zl.With(zap.String("service_name", opts.ServiceName))
	}

	return &StructuredLogger{zl: zl, level: level}
}

// Debug 记录调试日志
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.zl.Debug(msg, toZapFields(fields)...)
}

// Info 记录普通信息
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.zl.Info(msg, toZapFields(fields)...)
}

// Warn 记录警告信息
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, toZapFields(fields)...)
}

// Error 记录错误信息
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.zl.Error(msg, toZapFields(fields)...)
}

// With 创建带有额外字段的子日志器，子日志器与父日志器共享级别
func (l *StructuredLogger) With(fields map[string]interface{}) Logger {
	return &StructuredLogger{
		zl:    l.zl.With(toZapFields(fields)...),
		level: l.level,
	}
}

// SetLevel 设置日志级别
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

// GetLevel 获取日志级别
func (l *StructuredLogger) GetLevel() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Sync 刷新缓冲的日志
func (l *StructuredLogger) Sync() error {
	return l.zl.Sync()
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// nopLogger 丢弃所有日志
type nopLogger struct{}

// NewNopLogger 创建不输出任何内容的日志器，主要用于测试
func NewNopLogger() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, map[string]interface{}) {}
func (nopLogger) Info(string, map[string]interface{}) {}
func (nopLogger) Warn(string, map[string]interface{}) {}
func (nopLogger) Error(string, map[string]interface{}) {}
func (n nopLogger) With(map[string]interface{}) Logger { return n }
func (nopLogger) SetLevel(LogLevel) {}
func (nopLogger) GetLevel() LogLevel { return LevelError }

// 全局默认日志器
var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
)

// 初始化全局默认日志器
func init() {
	defaultLogger = NewStructuredLogger(DefaultOptions())
}

// GetDefaultLogger 获取全局默认日志器
func GetDefaultLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger 设置全局默认日志器
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetFileLogger 创建一个输出到文件的日志器
func GetFileLogger(filename string, level LogLevel) (Logger, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("无法创建日志文件: %w", err)
	}

	opts := DefaultOptions()
	opts.Writer = file
	opts.Level = level
	return NewStructuredLogger(opts), nil
}
