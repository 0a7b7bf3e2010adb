// Package vault encrypts account credentials and harvested session state
// (cookies, local storage) before they reach persistence. Values are
// AES-256-GCM encrypted at rest and decrypted in-memory only.
package vault

import "context"

// Vault stores and resolves sensitive blobs by opaque key. Credential
// references on accounts and ${{secrets.*}} interpolation both resolve
// through this interface.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface the vault needs.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
