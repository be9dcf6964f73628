package authclient

import (
	"github.com/dormoron/aegis/vault"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type resendRequest struct {
	Email string `json:"email"`
}

type backupRequest struct {
	UserID     string `json:"user_id"`
	BackupCode string `json:"backup_code"`
}

// sessionResponse 同时承载/login与各验证接口的成功响应
type sessionResponse struct {
	AccessToken          string      `json:"access_token"`
	User                 *vault.User `json:"user"`
	MFARequired          bool        `json:"mfa_required"`
	UserID               string      `json:"user_id"`
	ExpiresIn            int64       `json:"expires_in"`
	AttemptsRemaining    int         `json:"attempts_remaining"`
	BackupCodesRemaining int         `json:"backup_codes_remaining"`
}

type resendResponse struct {
	ExpiresIn         int64 `json:"expires_in"`
	AttemptsRemaining int   `json:"attempts_remaining"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type errorResponse struct {
	Error             string `json:"error"`
	AttemptsRemaining *int   `json:"attempts_remaining"`
	Blocked           bool   `json:"blocked"`
	RetryAfter        int64  `json:"retry_after"`
}
