package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/drover-sh/drover/pkg/schema"
)

// sessionStatePrefix namespaces harvested driver session state apart from
// credentials in the same store.
const sessionStatePrefix = "session_state/"

// Config configures key derivation. Provide either MasterKey (raw 32 bytes)
// or Passphrase + Salt.
type Config struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts values with AES-256-GCM before persisting.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over the given store.
func NewAESVault(s SecretStore, cfg Config) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		// The error never carries plaintext or key material.
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Store encrypts and persists a value under the key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

// Resolve loads and decrypts the value stored under the key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted)
}

// Delete removes the value stored under the key.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns all stored keys. Values are never listed.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// SaveSessionState persists harvested driver state for an account. An empty
// blob removes any stored state.
func (v *AESVault) SaveSessionState(ctx context.Context, accountID string, state []byte) error {
	key := sessionStatePrefix + accountID
	if len(state) == 0 {
		err := v.Delete(ctx, key)
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil
		}
		return err
	}
	return v.Store(ctx, key, state)
}

// LoadSessionState returns the stored driver state for an account, or nil
// when none exists.
func (v *AESVault) LoadSessionState(ctx context.Context, accountID string) ([]byte, error) {
	state, err := v.Resolve(ctx, sessionStatePrefix+accountID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

var _ Vault = (*AESVault)(nil)
