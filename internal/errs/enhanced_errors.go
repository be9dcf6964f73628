package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorSeverity 定义错误的严重程度
type ErrorSeverity int

const (
	// SeverityInfo 表示信息性错误，不影响系统运行
	SeverityInfo ErrorSeverity = iota
	// SeverityWarning 表示警告，已在本地恢复
	SeverityWarning
	// SeverityError 表示错误，当前操作无法完成
	SeverityError
	// SeverityCritical 表示严重错误
	SeverityCritical
)

// String 返回错误严重程度的字符串表示
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ErrorCategory 定义错误的类别
type ErrorCategory string

const (
	// CategoryNetwork 网络相关错误
	CategoryNetwork ErrorCategory = "NETWORK"
	// CategoryStorage 存储相关错误
	CategoryStorage ErrorCategory = "STORAGE"
	// CategoryValidation 数据校验相关错误
	CategoryValidation ErrorCategory = "VALIDATION"
	// CategoryAuth 认证相关错误
	CategoryAuth ErrorCategory = "AUTH"
	// CategoryBusiness 业务规则相关错误
	CategoryBusiness ErrorCategory = "BUSINESS"
)

// ErrorRecoveryStrategy 定义错误的恢复策略
type ErrorRecoveryStrategy int

const (
	// RecoveryRetry 由用户操作触发重试，不自动重试
	RecoveryRetry ErrorRecoveryStrategy = iota
	// RecoveryFallback 降级策略
	RecoveryFallback
	// RecoveryPurge 清除损坏数据并按未登录处理
	RecoveryPurge
	// RecoveryAbort 终止策略
	RecoveryAbort
)

// String 返回错误恢复策略的字符串表示
func (s ErrorRecoveryStrategy) String() string {
	switch s {
	case RecoveryRetry:
		return "RETRY"
	case RecoveryFallback:
		return "FALLBACK"
	case RecoveryPurge:
		return "PURGE"
	case RecoveryAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// EnhancedError 增强错误接口
type EnhancedError interface {
	error
	// ID 返回错误的唯一标识符
	ID() string
	// Code 返回错误代码
	Code() string
	// GRPCStatus 将错误转换为gRPC状态
	GRPCStatus() *status.Status
	// Severity 返回错误的严重程度
	Severity() ErrorSeverity
	// Category 返回错误的类别
	Category() ErrorCategory
	// Metadata 返回错误的元数据
	Metadata() map[string]interface{}
	// RecoveryStrategy 返回错误的恢复策略
	RecoveryStrategy() ErrorRecoveryStrategy
	// Timeout 返回错误是否由超时引起
	Timeout() bool
	// Temporary 返回错误是否是临时性的
	Temporary() bool
	// Cause 返回错误的根因
	Cause() error
	// WithMetadata 添加元数据到错误
	WithMetadata(key string, value interface{}) EnhancedError
	// MarshalJSON 实现JSON序列化
	MarshalJSON() ([]byte, error)
}

// enhancedError 增强错误的默认实现
type enhancedError struct {
	id               string
	code             string
	message          string
	grpcCode         codes.Code
	severity         ErrorSeverity
	category         ErrorCategory
	metadata         map[string]interface{}
	recoveryStrategy ErrorRecoveryStrategy
	isTimeout        bool
	isTemporary      bool
	cause            error
	timestamp        time.Time
	callerInfo       string
}

// NewEnhancedError 创建新的增强错误
func NewEnhancedError(code string, message string, severity ErrorSeverity, category ErrorCategory) EnhancedError {
	return newError(code, message, severity, category, nil)
}

func newError(code, message string, severity ErrorSeverity, category ErrorCategory, cause error) *enhancedError {
	return &enhancedError{
		id:               uuid.NewString(),
		code:             code,
		message:          message,
		grpcCode:         mapCodeToGRPC(code),
		severity:         severity,
		category:         category,
		metadata:         make(map[string]interface{}),
		recoveryStrategy: chooseDefaultRecoveryStrategy(severity),
		cause:            cause,
		timestamp:        time.Now(),
		callerInfo:       caller(3), // 跳过本函数、构造函数和调用者
	}
}

// Error 实现error接口
func (e *enhancedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s][%s] %s: %s: %v", e.category, e.severity, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s][%s] %s: %s", e.category, e.severity, e.code, e.message)
}

// Is 按错误代码匹配哨兵错误
func (e *enhancedError) Is(target error) bool {
	k, ok := target.(kind)
	return ok && string(k) == e.code
}

// Unwrap 返回根因，支持errors.Is/As向下查找
func (e *enhancedError) Unwrap() error {
	return e.cause
}

// ID 返回错误的唯一标识符
func (e *enhancedError) ID() string {
	return e.id
}

// Code 返回错误代码
func (e *enhancedError) Code() string {
	return e.code
}

// GRPCStatus 将错误转换为gRPC状态
func (e *enhancedError) GRPCStatus() *status.Status {
	return status.New(e.grpcCode, e.message)
}

// Severity 返回错误的严重程度
func (e *enhancedError) Severity() ErrorSeverity {
	return e.severity
}

// Category 返回错误的类别
func (e *enhancedError) Category() ErrorCategory {
	return e.category
}

// Metadata 返回错误的元数据
func (e *enhancedError) Metadata() map[string]interface{} {
	return e.metadata
}

// RecoveryStrategy 返回错误的恢复策略
func (e *enhancedError) RecoveryStrategy() ErrorRecoveryStrategy {
	return e.recoveryStrategy
}

// Timeout 返回错误是否由超时引起
func (e *enhancedError) Timeout() bool {
	return e.isTimeout
}

// Temporary 返回错误是否是临时性的
func (e *enhancedError) Temporary() bool {
	return e.isTemporary
}

// Cause 返回错误的根因
func (e *enhancedError) Cause() error {
	return e.cause
}

// WithMetadata 添加元数据到错误
func (e *enhancedError) WithMetadata(key string, value interface{}) EnhancedError {
	e.metadata[key] = value
	return e
}

// MarshalJSON 实现JSON序列化
func (e *enhancedError) MarshalJSON() ([]byte, error) {
	var causeStr string
	if e.cause != nil {
		causeStr = e.cause.Error()
	}

	type jsonError struct {
		ID               string                 `json:"id"`
		Code             string                 `json:"code"`
		Message          string                 `json:"message"`
		Severity         string                 `json:"severity"`
		Category         string                 `json:"category"`
		RecoveryStrategy string                 `json:"recovery_strategy"`
		IsTimeout        bool                   `json:"is_timeout"`
		IsTemporary      bool                   `json:"is_temporary"`
		Cause            string                 `json:"cause,omitempty"`
		Timestamp        string                 `json:"timestamp"`
		CallerInfo       string                 `json:"caller_info"`
		Metadata         map[string]interface{} `json:"metadata,omitempty"`
	}

	return json.Marshal(jsonError{
		ID:               e.id,
		Code:             e.code,
		Message:          e.message,
		Severity:         e.severity.String(),
		Category:         string(e.category),
		RecoveryStrategy: e.recoveryStrategy.String(),
		IsTimeout:        e.isTimeout,
		IsTemporary:      e.isTemporary,
		Cause:            causeStr,
		Timestamp:        e.timestamp.Format(time.RFC3339),
		CallerInfo:       e.callerInfo,
		Metadata:         e.metadata,
	})
}

// As 提取错误链中的增强错误
func As(err error) (EnhancedError, bool) {
	var target *enhancedError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// caller 获取调用者信息
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// mapCodeToGRPC 将错误代码映射到gRPC状态码
func mapCodeToGRPC(code string) codes.Code {
	switch code {
	case CodeNetwork:
		return codes.Unavailable
	case CodeAuth:
		return codes.Unauthenticated
	case CodeLockout:
		return codes.PermissionDenied
	case CodeCooldown:
		return codes.ResourceExhausted
	case CodeStorage:
		return codes.Unavailable
	case CodeCorruptData:
		return codes.DataLoss
	default:
		return codes.Unknown
	}
}

// chooseDefaultRecoveryStrategy 根据错误严重程度选择默认恢复策略
func chooseDefaultRecoveryStrategy(severity ErrorSeverity) ErrorRecoveryStrategy {
	switch severity {
	case SeverityInfo, SeverityWarning:
		return RecoveryRetry
	case SeverityError:
		return RecoveryFallback
	default:
		return RecoveryAbort
	}
}
