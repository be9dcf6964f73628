package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCrypto(t *testing.T) {
	c, err := NewAESCrypto(testKey())
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Decrypt(sealed)
	assert.Error(t, err)

	_, err = c.Decrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewAESCrypto_InvalidKey(t *testing.T) {
	_, err := NewAESCrypto([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey([]byte("device"), []byte("salt-salt"))
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey([]byte("device"), []byte("salt-salt"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey([]byte("other"), []byte("salt-salt"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey(nil, []byte("salt-salt"))
	assert.Error(t, err)
	_, err = DeriveKey([]byte("device"), []byte("short"))
	assert.Error(t, err)
}

func TestInspectToken(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	info, ok := InspectToken(signToken(t, "u1", exp))
	require.True(t, ok)
	assert.Equal(t, "u1", info.Subject)
	assert.True(t, info.ExpiresAt.Equal(exp))
	assert.False(t, info.Expired(exp.Add(-time.Second)))
	assert.True(t, info.Expired(exp.Add(time.Second)))

	_, ok = InspectToken("aaa.bbb.ccc")
	assert.False(t, ok)
	assert.False(t, TokenInfo{}.Expired(time.Now()))
}

func TestSession_Validate(t *testing.T) {
	assert.NoError(t, Session{Token: "a.b.c", User: User{ID: "u"}}.Validate())
	assert.Error(t, Session{Token: "a.b.c"}.Validate())
	assert.ErrorIs(t, Session{Token: "a.b", User: User{ID: "u"}}.Validate(), ErrMalformedToken)
	assert.ErrorIs(t, ValidateToken("a. .c"), ErrMalformedToken)
}
