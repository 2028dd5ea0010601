package store

import (
	"context"
	"encoding/base64"

	"github.com/cockroachdb/errors"
)

// Vault holds small secrets such as encryption keys.
type Vault interface {
	// Secret returns the named secret, or ErrNotFound.
	Secret(ctx context.Context, name string) ([]byte, error)
	// SetSecret stores the named secret.
	SetSecret(ctx context.Context, name string, value []byte) error
}

// StoreVault keeps secrets in the global scope of a Store under "vault/".
type StoreVault struct {
	Store Store
}

// Secret implements Vault.
func (v StoreVault) Secret(ctx context.Context, name string) ([]byte, error) {
	encoded, found, err := GetJSON[string](ctx, v.Store, Global, "vault/"+name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt secret %q", name)
	}
	return raw, nil
}

// SetSecret implements Vault.
func (v StoreVault) SetSecret(ctx context.Context, name string, value []byte) error {
	return PutJSON(ctx, v.Store, Global, "vault/"+name, base64.StdEncoding.EncodeToString(value))
}
