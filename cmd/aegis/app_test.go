package main

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dormoron/aegis/config"
)

func TestApp_DeviceSecret(t *testing.T) {
	testCases := []struct {
		name    string
		secret  string
		keyFile string
		want    []byte
		wantErr bool
	}{
		{name: "configured secret", secret: "from-config", want: []byte("from-config")},
		{name: "existing key file", keyFile: hex.EncodeToString([]byte("0123456789abcdef")) + "\n", want: []byte("0123456789abcdef")},
		{name: "corrupt key file", keyFile: "not hex", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.SecureDir = t.TempDir()
			cfg.Storage.DeviceSecret = tc.secret
			if tc.keyFile != "" {
				require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.SecureDir, deviceKeyFile), []byte(tc.keyFile), 0o600))
			}

			got, err := (&App{cfg: cfg}).deviceSecret()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApp_DeviceSecretIsGeneratedOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.SecureDir = filepath.Join(t.TempDir(), "secure")
	a := &App{cfg: cfg}

	first, err := a.deviceSecret()
	require.NoError(t, err)
	assert.Len(t, first, 32)

	info, err := os.Stat(filepath.Join(cfg.Storage.SecureDir, deviceKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := a.deviceSecret()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestApp_CurrentUserOverride(t *testing.T) {
	id, err := (&App{}).currentUser(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, "u9", id)
}
