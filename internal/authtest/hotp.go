package authtest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

const codeDigits = 6

// hotp 按RFC 4226生成一次性验证码
func hotp(secret []byte, counter uint64) string {
	// 准备计数器字节
	counterBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(counterBytes, counter)

	// 计算HMAC
	h := hmac.New(sha1.New, secret)
	h.Write(counterBytes)
	hash := h.Sum(nil)

	// 动态截断
	offset := hash[len(hash)-1] & 0xf
	value := (uint32(hash[offset])&0x7f)<<24 |
		uint32(hash[offset+1])<<16 |
		uint32(hash[offset+2])<<8 |
		uint32(hash[offset+3])

	return fmt.Sprintf("%0*d", codeDigits, value%1000000)
}
