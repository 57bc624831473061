package crypto

import (
	"errors"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/store"
)

// ServerToken names the bearer token sent to the sync server.
const ServerToken = "server_token"

// Credentials keeps named secrets encrypted in the local store.
type Credentials struct {
	kv  store.KV
	key []byte
}

// NewCredentials creates a credential store sealing values with key.
func NewCredentials(kv store.KV, key []byte) *Credentials {
	return &Credentials{kv: kv, key: append([]byte(nil), key...)}
}

// Store encrypts and saves value under name.
func (c *Credentials) Store(name, value string) error {
	if value == "" {
		return apperrors.New(apperrors.ErrInvalid, "credential cannot be empty")
	}
	sealed, err := Encrypt([]byte(value), c.key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encrypt credential", err)
	}
	if err := c.kv.Put(store.BucketCredentials, name, []byte(sealed)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to store credential", err)
	}
	return nil
}

// Load returns the value saved under name, or "" when there is none.
func (c *Credentials) Load(name string) (string, error) {
	sealed, err := c.kv.Get(store.BucketCredentials, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to read credential", err)
	}
	plain, err := Decrypt(string(sealed), c.key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidConfig, "stored credential cannot be decrypted on this device", err)
	}
	return string(plain), nil
}

// Delete removes the value saved under name.
func (c *Credentials) Delete(name string) error {
	if err := c.kv.Delete(store.BucketCredentials, name); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete credential", err)
	}
	return nil
}
