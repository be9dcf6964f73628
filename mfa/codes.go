package mfa

import (
	"strings"

	"github.com/dormoron/aegis/internal/errs"
)

const (
	codeLength       = 6
	backupCodeLength = 8
)

// ValidateCode 验证码必须是6位ASCII数字
func ValidateCode(code string) error {
	if len(code) != codeLength {
		return errs.NewAuthError("验证码必须为6位数字", -1)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return errs.NewAuthError("验证码必须为6位数字", -1)
		}
	}
	return nil
}

// NormalizeBackupCode 去除首尾空白并转为大写，结果必须是8位字母或数字
func NormalizeBackupCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != backupCodeLength {
		return "", errs.NewAuthError("备用码必须为8位", -1)
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", errs.NewAuthError("备用码只能包含字母和数字", -1)
		}
	}
	return code, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
