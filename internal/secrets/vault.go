package secrets

import (
	"context"

	"github.com/rendis/gantry/pkg/schema"
)

// Vault resolves secret references ({{secrets.KEY}}) at runtime. Secrets are
// stored as-is and resolved in-memory only; they never appear in persisted
// node execution snapshots (see MaskSnapshot).
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// StoreVault is the store-backed Vault.
type StoreVault struct {
	store SecretStore
}

// NewStoreVault creates a vault over the given secret store.
func NewStoreVault(s SecretStore) *StoreVault {
	return &StoreVault{store: s}
}

func (v *StoreVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	return v.store.GetSecret(ctx, key)
}

func (v *StoreVault) Store(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	return v.store.StoreSecret(ctx, key, value)
}

func (v *StoreVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *StoreVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*StoreVault)(nil)
