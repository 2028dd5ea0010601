package variables

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/MegaGrindStone/go-mcp-hub/store"
)

const keySize = 32

// KeyProvider supplies the symmetric key protecting secrets of a scope.
type KeyProvider interface {
	Key(ctx context.Context, scope store.Scope) ([]byte, error)
}

// VaultKeyProvider creates one key per scope on first use and keeps it in a
// vault. A key is loaded or created at most once per provider; failures are
// not remembered.
type VaultKeyProvider struct {
	vault store.Vault

	mu   sync.Mutex
	keys map[store.Scope][]byte
}

// NewVaultKeyProvider returns a provider backed by vault.
func NewVaultKeyProvider(vault store.Vault) *VaultKeyProvider {
	return &VaultKeyProvider{vault: vault, keys: make(map[store.Scope][]byte)}
}

// Key implements KeyProvider.
func (p *VaultKeyProvider) Key(ctx context.Context, scope store.Scope) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key, ok := p.keys[scope]; ok {
		return key, nil
	}

	name := "variables-key/" + string(scope)
	key, err := p.vault.Secret(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		key = make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "failed to generate key")
		}
		if err := p.vault.SetSecret(ctx, name, key); err != nil {
			return nil, errors.Wrap(err, "failed to store key")
		}
	case err != nil:
		return nil, errors.Wrap(err, "failed to load key")
	case len(key) != keySize:
		return nil, errors.Newf("key %s has %d bytes, want %d", name, len(key), keySize)
	}

	p.keys[scope] = key
	return key, nil
}
