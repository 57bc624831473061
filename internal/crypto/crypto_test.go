package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/store"
)

func TestEncryptDecrypt_roundtrip(t *testing.T) {
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt([]byte("Bearer s3cret"), key)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "s3cret")

	plain, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", string(plain))
}

func TestEncrypt_freshNonce(t *testing.T) {
	key := []byte("test-key-12345")
	a, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncrypt_emptyKey(t *testing.T) {
	_, err := Encrypt([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Decrypt("eA==", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecrypt_rejectsBadInput(t *testing.T) {
	key := []byte("test-key-12345")
	sealed, err := Encrypt([]byte("token"), key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name       string
		ciphertext string
		key        []byte
	}{
		{"invalid base64", "not base64!!!", key},
		{"too short", "AAEC", key},
		{"wrong key", sealed, []byte("other-key")},
		{"tampered", tampered, key},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ciphertext, tt.key)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestMachineKey(t *testing.T) {
	assert.Len(t, MachineKey("linux:abc"), 32)
	assert.Equal(t, MachineKey("linux:abc"), MachineKey("linux:abc"))
	assert.NotEqual(t, MachineKey("linux:abc"), MachineKey("linux:abd"))
	assert.Equal(t, MachineKey(""), MachineKey("medisync-default-key"))
	assert.NotEmpty(t, MachineID())
}

func TestCredentials(t *testing.T) {
	kv := store.NewMemory()
	creds := NewCredentials(kv, MachineKey("device-a"))

	got, err := creds.Load(ServerToken)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, creds.Store(ServerToken, "s3cret"))
	got, err = creds.Load(ServerToken)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	raw, err := kv.Get(store.BucketCredentials, ServerToken)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	_, err = NewCredentials(kv, MachineKey("device-b")).Load(ServerToken)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidConfig))

	require.NoError(t, creds.Delete(ServerToken))
	got, err = creds.Load(ServerToken)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.True(t, apperrors.Is(creds.Store(ServerToken, ""), apperrors.ErrInvalid))
}
