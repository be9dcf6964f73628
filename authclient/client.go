// Package authclient 远端认证服务的HTTP客户端
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/mfa"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
	"github.com/dormoron/aegis/observability/opentelemetry"
	"github.com/dormoron/aegis/vault"
)

// 远端接口
const (
	EndpointLogin            = "/login"
	EndpointVerifyMFA        = "/verify-mfa"
	EndpointResendCode       = "/resend-code"
	EndpointVerifyBackupCode = "/verify-backup-code"
	EndpointEnableMFA        = "/enable-mfa"
	EndpointDisableMFA       = "/disable-mfa"
	EndpointRegenerate       = "/regenerate-backup-codes"
)

// DefaultTimeout 单次请求默认超时
const DefaultTimeout = 12 * time.Second

// 响应体上限
const maxBodySize = 1 << 20

// Config 客户端配置
type Config struct {
	// BaseURL 认证服务地址
	BaseURL string
	// Timeout 单次请求超时
	Timeout time.Duration
	// HTTPClient 可选，默认使用http.Client
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
}

// Client 实现mfa.AuthService
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

var _ mfa.AuthService = (*Client)(nil)

// New 创建客户端
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("authclient: base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = logging.GetDefaultLogger()
	}
	if config.Tracer == nil {
		config.Tracer = opentelemetry.Tracer()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		http:    config.HTTPClient,
		logger:  config.Logger.With(map[string]interface{}{logging.FieldComponent: "authclient"}),
		metrics: config.Metrics,
		tracer:  config.Tracer,
	}, nil
}

// Login 实现mfa.AuthService.Login
func (c *Client) Login(ctx context.Context, email, password string) (mfa.LoginResponse, error) {
	var resp sessionResponse
	if err := c.post(ctx, EndpointLogin, "", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return mfa.LoginResponse{}, err
	}

	if resp.MFARequired {
		if resp.UserID == "" {
			return mfa.LoginResponse{}, malformed(EndpointLogin, "user_id is missing")
		}
		return mfa.LoginResponse{
			MFARequired:       true,
			UserID:            resp.UserID,
			ExpiresIn:         seconds(resp.ExpiresIn),
			AttemptsRemaining: resp.AttemptsRemaining,
		}, nil
	}

	session, err := resp.session(EndpointLogin)
	if err != nil {
		return mfa.LoginResponse{}, err
	}
	return mfa.LoginResponse{Session: &session}, nil
}

// VerifyMFA 实现mfa.AuthService.VerifyMFA
func (c *Client) VerifyMFA(ctx context.Context, userID, code string) (vault.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, EndpointVerifyMFA, "", verifyRequest{UserID: userID, Code: code}, &resp); err != nil {
		return vault.Session{}, err
	}
	return resp.session(EndpointVerifyMFA)
}

// ResendCode 实现mfa.AuthService.ResendCode
func (c *Client) ResendCode(ctx context.Context, email string) (mfa.ResendResponse, error) {
	var resp resendResponse
	if err := c.post(ctx, EndpointResendCode, "", resendRequest{Email: email}, &resp); err != nil {
		return mfa.ResendResponse{}, err
	}
	return mfa.ResendResponse{
		ExpiresIn:         seconds(resp.ExpiresIn),
		AttemptsRemaining: resp.AttemptsRemaining,
	}, nil
}

// VerifyBackupCode 实现mfa.AuthService.VerifyBackupCode
func (c *Client) VerifyBackupCode(ctx context.Context, userID, code string) (mfa.BackupResponse, error) {
	var resp sessionResponse
	if err := c.post(ctx, EndpointVerifyBackupCode, "", backupRequest{UserID: userID, BackupCode: code}, &resp); err != nil {
		return mfa.BackupResponse{}, err
	}
	session, err := resp.session(EndpointVerifyBackupCode)
	if err != nil {
		return mfa.BackupResponse{}, err
	}
	return mfa.BackupResponse{Session: session, Remaining: resp.BackupCodesRemaining}, nil
}

// EnableMFA 实现mfa.AuthService.EnableMFA
func (c *Client) EnableMFA(ctx context.Context, token string) ([]string, error) {
	return c.backupCodes(ctx, EndpointEnableMFA, token)
}

// RegenerateBackupCodes 实现mfa.AuthService.RegenerateBackupCodes
func (c *Client) RegenerateBackupCodes(ctx context.Context, token string) ([]string, error) {
	return c.backupCodes(ctx, EndpointRegenerate, token)
}

// DisableMFA 实现mfa.AuthService.DisableMFA
func (c *Client) DisableMFA(ctx context.Context, token string) error {
	return c.post(ctx, EndpointDisableMFA, token, struct{}{}, nil)
}

func (c *Client) backupCodes(ctx context.Context, endpoint, token string) ([]string, error) {
	var resp backupCodesResponse
	if err := c.post(ctx, endpoint, token, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.BackupCodes, nil
}

// post 发送一次JSON请求。超时和传输错误返回网络错误，不自动重试。
func (c *Client) post(ctx context.Context, endpoint, bearer string, in, out interface{}) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := opentelemetry.StartClientSpan(ctx, c.tracer, endpoint,
		attribute.String("http.request.method", http.MethodPost))
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest(endpoint, outcome(err), time.Since(start))
		opentelemetry.EndSpan(span, err)
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("认证服务请求失败", map[string]interface{}{
			logging.FieldEndpoint: endpoint,
			logging.FieldError:    err,
		})
		return errs.NewNetworkError(endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errs.NewNetworkError(endpoint, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(endpoint, resp, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err = json.Unmarshal(data, out); err != nil {
		return malformed(endpoint, err.Error())
	}
	return nil
}

func (c *Client) statusError(endpoint string, resp *http.Response, data []byte) error {
	var body errorResponse
	_ = json.Unmarshal(data, &body)

	message := body.Error
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	c.logger.Debug("认证服务返回错误", map[string]interface{}{
		logging.FieldEndpoint: endpoint,
		logging.FieldStatus:   resp.StatusCode,
	})

	switch {
	case body.Blocked || resp.StatusCode == http.StatusLocked:
		return errs.NewLockoutError(message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.NewCooldownError(retryAfter(resp, body))
	case resp.StatusCode >= http.StatusInternalServerError:
		return errs.NewNetworkError(endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, message))
	default:
		attempts := -1
		if body.AttemptsRemaining != nil {
			attempts = *body.AttemptsRemaining
		}
		return errs.NewAuthError(message, attempts)
	}
}

func (r sessionResponse) session(endpoint string) (vault.Session, error) {
	if r.AccessToken == "" || r.User == nil {
		return vault.Session{}, malformed(endpoint, "access_token or user is missing")
	}
	s := vault.Session{Token: r.AccessToken, User: *r.User}
	if err := s.Validate(); err != nil {
		return vault.Session{}, malformed(endpoint, err.Error())
	}
	return s, nil
}

func malformed(endpoint, reason string) error {
	return errs.NewNetworkError(endpoint, fmt.Errorf("malformed response: %s", reason))
}

func retryAfter(resp *http.Response, body errorResponse) time.Duration {
	if body.RetryAfter > 0 {
		return seconds(body.RetryAfter)
	}
	if n, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && n > 0 {
		return seconds(int64(n))
	}
	return time.Second
}

func seconds(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errs.IsNetwork(err):
		return "network_error"
	case errs.IsLockout(err):
		return "lockout"
	case errs.IsAuth(err):
		return "auth_error"
	default:
		return "error"
	}
}
