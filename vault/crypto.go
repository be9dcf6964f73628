package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

// argon2id参数
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

var (
	// ErrInvalidKey 密钥长度不合法
	ErrInvalidKey = errors.New("AES密钥长度必须为16、24或32字节")
	// ErrCiphertextTooShort 密文长度不足
	ErrCiphertextTooShort = errors.New("密文长度不足")
)

// Crypto 定义安全层使用的加解密协作者
type Crypto interface {
	// Encrypt 加密数据
	Encrypt(plaintext []byte) ([]byte, error)
	// Decrypt 解密并校验数据
	Decrypt(ciphertext []byte) ([]byte, error)
}

// DeriveKey 使用argon2id从设备密钥和盐派生32字节的AES密钥
func DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("设备密钥不能为空")
	}
	if len(salt) < 8 {
		return nil, errors.New("盐长度至少为8字节")
	}
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// AESCrypto 使用AES-GCM加密
type AESCrypto struct {
	aead cipher.AEAD
}

// NewAESCrypto 创建AES加密器
func NewAESCrypto(key []byte) (*AESCrypto, error) {
	// AES-256需要32字节密钥，AES-128需要16字节密钥
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESCrypto{aead: gcm}, nil
}

// NewAESCryptoFromSecret 从设备密钥派生密钥并创建AES加密器
func NewAESCryptoFromSecret(secret, salt []byte) (*AESCrypto, error) {
	key, err := DeriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	return NewAESCrypto(key)
}

// Encrypt 使用AES-GCM对数据进行加密，nonce放在密文前面
func (c *AESCrypto) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt 分离nonce并解密，认证标签不匹配时返回错误
func (c *AESCrypto) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce := ciphertext[:c.aead.NonceSize()]
	sealed := ciphertext[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("密文校验失败")
	}
	return plaintext, nil
}
