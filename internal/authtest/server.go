// Package authtest 提供进程内的远端认证服务替身，供测试使用
package authtest

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
)

// 默认策略
const (
	DefaultMaxAttempts = 5
	DefaultCodeTTL     = 5 * time.Minute
	DefaultBackupCodes = 10
)

const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// signingKey 测试令牌签名密钥
var signingKey = []byte("authtest-signing-key")

// User 测试账户
type User struct {
	ID       string
	Name     string
	Email    string
	Password string
	// MFAEnabled 登录时是否要求二次验证
	MFAEnabled bool
}

type account struct {
	User

	secret      []byte
	counter     uint64
	expiresAt   time.Time
	attempts    int
	blocked     bool
	backupCodes map[string]bool
}

// Server 远端认证服务替身。验证码由HOTP生成，尝试次数和备用码由服务端维护。
type Server struct {
	*httptest.Server

	// MaxAttempts 每次下发验证码后的可尝试次数
	MaxAttempts int
	// CodeTTL 验证码有效期
	CodeTTL time.Duration
	// Delay 每个请求的处理延迟，用于超时测试
	Delay time.Duration

	mu       sync.Mutex
	accounts map[string]*account
	byEmail  map[string]string
	calls    map[string]int
	down     bool
	now      func() time.Time
}

// NewServer 创建并启动替身服务，调用方负责Close
func NewServer() *Server {
	s := &Server{
		MaxAttempts: DefaultMaxAttempts,
		CodeTTL:     DefaultCodeTTL,
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		calls:       make(map[string]int),
		now:         time.Now,
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.middleware)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/verify-mfa", s.handleVerifyMFA).Methods(http.MethodPost)
	r.HandleFunc("/resend-code", s.handleResend).Methods(http.MethodPost)
	r.HandleFunc("/verify-backup-code", s.handleVerifyBackup).Methods(http.MethodPost)
	r.HandleFunc("/enable-mfa", s.authorized(s.handleEnable)).Methods(http.MethodPost)
	r.HandleFunc("/disable-mfa", s.authorized(s.handleDisable)).Methods(http.MethodPost)
	r.HandleFunc("/regenerate-backup-codes", s.authorized(s.handleRegenerate)).Methods(http.MethodPost)
	return r
}

// AddUser 注册测试账户
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret := make([]byte, 20)
	_, _ = rand.Read(secret)
	u.Email = strings.ToLower(u.Email)
	s.accounts[u.ID] = &account{User: u, secret: secret, backupCodes: make(map[string]bool)}
	s.byEmail[u.Email] = u.ID
}

// CurrentCode 返回用户当前有效的验证码
func (s *Server) CurrentCode(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return ""
	}
	return hotp(a.secret, a.counter)
}

// IssueBackupCodes 直接为用户生成一组备用码
func (s *Server) IssueBackupCodes(userID string, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil
	}
	return a.regenerate(n)
}

// Calls 返回接口被调用的次数
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// SetDown 模拟服务不可用，所有请求返回503
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetClock 替换服务端时钟
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// TokenFor 签发用户的访问令牌
func (s *Server) TokenFor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenLocked(userID)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		down, delay := s.down, s.Delay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if down {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "service unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountByEmail(req.Email)
	if a == nil || a.Password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid credentials"})
		return
	}
	if !a.MFAEnabled {
		s.writeSession(w, a, nil)
		return
	}
	s.issueLocked(a)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mfa_required":       true,
		"user_id":            a.ID,
		"expires_in":         int64(s.CodeTTL / time.Second),
		"attempts_remaining": a.attempts,
	})
}

func (s *Server) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[req.UserID]
	if !ok || a.expiresAt.IsZero() {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "no pending challenge"})
		return
	}
	if a.blocked {
		writeLocked(w)
		return
	}
	if !s.now().Before(a.expiresAt) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":              "code expired",
			"attempts_remaining": a.attempts,
		})
		return
	}
	if req.Code == hotp(a.secret, a.counter) {
		a.expiresAt = time.Time{}
		s.writeSession(w, a, nil)
		return
	}

	a.attempts--
	if a.attempts <= 0 {
		a.attempts = 0
		a.blocked = true
		writeLocked(w)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
		"error":              "invalid code",
		"attempts_remaining": a.attempts,
	})
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accountByEmail(req.Email)
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown account"})
		return
	}
	s.issueLocked(a)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expires_in": int64(s.CodeTTL / time.Second),
	})
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		BackupCode string `json:"backup_code"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[req.UserID]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid backup code"})
		return
	}
	code := strings.ToUpper(req.BackupCode)
	if used, exists := a.backupCodes[code]; !exists || used {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid backup code"})
		return
	}
	a.backupCodes[code] = true
	a.expiresAt = time.Time{}
	a.blocked = false

	remaining := 0
	for _, used := range a.backupCodes {
		if !used {
			remaining++
		}
	}
	s.writeSession(w, a, map[string]interface{}{"backup_codes_remaining": remaining})
}

func (s *Server) handleEnable(w http.ResponseWriter, _ *http.Request, a *account) {
	a.MFAEnabled = true
	writeJSON(w, http.StatusOK, map[string]interface{}{"backup_codes": a.regenerate(DefaultBackupCodes)})
}

func (s *Server) handleDisable(w http.ResponseWriter, _ *http.Request, a *account) {
	a.MFAEnabled = false
	a.backupCodes = make(map[string]bool)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, _ *http.Request, a *account) {
	if !a.MFAEnabled {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "mfa is not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backup_codes": a.regenerate(DefaultBackupCodes)})
}

// authorized 校验Bearer令牌并在持锁状态下调用处理函数
func (s *Server) authorized(next func(http.ResponseWriter, *http.Request, *account)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
			return signingKey, nil
		})
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid token"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		a, ok := s.accounts[claims.Subject]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid token"})
			return
		}
		next(w, r, a)
	}
}

func (s *Server) accountByEmail(email string) *account {
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil
	}
	return s.accounts[id]
}

// issueLocked 下发新验证码，旧验证码随计数器前进失效
func (s *Server) issueLocked(a *account) {
	a.counter++
	a.attempts = s.MaxAttempts
	a.blocked = false
	a.expiresAt = s.now().Add(s.CodeTTL)
}

func (s *Server) tokenLocked(userID string) string {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, _ := token.SignedString(signingKey)
	return signed
}

func (s *Server) writeSession(w http.ResponseWriter, a *account, extra map[string]interface{}) {
	body := map[string]interface{}{
		"access_token": s.tokenLocked(a.ID),
		"user": map[string]string{
			"id":    a.ID,
			"name":  a.Name,
			"email": a.Email,
		},
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// regenerate 整体替换备用码集合
func (a *account) regenerate(n int) []string {
	a.backupCodes = make(map[string]bool, n)
	codes := make([]string, 0, n)
	for len(codes) < n {
		code := randomCode()
		if _, dup := a.backupCodes[code]; dup {
			continue
		}
		a.backupCodes[code] = false
		codes = append(codes, code)
	}
	return codes
}

func randomCode() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = backupAlphabet[int(b)%len(backupAlphabet)]
	}
	return string(buf)
}

func writeLocked(w http.ResponseWriter) {
	writeJSON(w, http.StatusLocked, map[string]interface{}{
		"error":              "too many attempts",
		"attempts_remaining": 0,
		"blocked":            true,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
