package variables

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/MegaGrindStone/go-mcp-hub/store"
)

// Values persists plain resolved values per scope and section under
// "inputs/<section>".
type Values struct {
	kv store.Store
}

// NewValues returns a Values backed by kv.
func NewValues(kv store.Store) *Values {
	return &Values{kv: kv}
}

// Get returns the values of section.
func (v *Values) Get(ctx context.Context, scope store.Scope, section string) (map[string]string, error) {
	values, _, err := store.GetJSON[map[string]string](ctx, v.kv, scope, "inputs/"+section)
	return values, err
}

// Set merges values into section.
func (v *Values) Set(ctx context.Context, scope store.Scope, section string, values map[string]string) error {
	return store.UpdateJSON(ctx, v.kv, scope, "inputs/"+section, merge(values))
}

// Clear removes key from every section of scope, or every value when key is
// empty.
func (v *Values) Clear(ctx context.Context, scope store.Scope, key string) error {
	return clearSections(ctx, v.kv, scope, "inputs/", func(section string) error {
		return store.UpdateJSON(ctx, v.kv, scope, "inputs/"+section, drop(key))
	})
}

// Secrets persists secret resolved values per scope and section under
// "secrets/<section>", sealed with AES-GCM under the scope key.
type Secrets struct {
	kv   store.Store
	keys KeyProvider
}

// NewSecrets returns a Secrets backed by kv and keys.
func NewSecrets(kv store.Store, keys KeyProvider) *Secrets {
	return &Secrets{kv: kv, keys: keys}
}

// Get returns the secret values of section.
func (s *Secrets) Get(ctx context.Context, scope store.Scope, section string) (map[string]string, error) {
	sealed, found, err := store.GetJSON[[]byte](ctx, s.kv, scope, "secrets/"+section)
	if err != nil || !found {
		return nil, err
	}
	gcm, err := s.aead(ctx, scope)
	if err != nil {
		return nil, err
	}
	return open(gcm, scope, sealed)
}

// Set merges values into section.
func (s *Secrets) Set(ctx context.Context, scope store.Scope, section string, values map[string]string) error {
	return s.update(ctx, scope, section, merge(values))
}

// Clear removes key from every section of scope, or every value when key is
// empty.
func (s *Secrets) Clear(ctx context.Context, scope store.Scope, key string) error {
	return clearSections(ctx, s.kv, scope, "secrets/", func(section string) error {
		return s.update(ctx, scope, section, drop(key))
	})
}

// update resolves the scope key before entering the store update, since the
// key provider may itself read or write the store.
func (s *Secrets) update(ctx context.Context, scope store.Scope, section string,
	fn func(map[string]string, bool) (map[string]string, bool, error),
) error {
	gcm, err := s.aead(ctx, scope)
	if err != nil {
		return err
	}
	return store.UpdateJSON(ctx, s.kv, scope, "secrets/"+section, func(sealed []byte, found bool) ([]byte, bool, error) {
		var values map[string]string
		if found {
			var err error
			if values, err = open(gcm, scope, sealed); err != nil {
				return nil, false, err
			}
		}
		next, keep, err := fn(values, found)
		if err != nil || !keep {
			return nil, keep, err
		}
		out, err := seal(gcm, scope, next)
		return out, true, err
	})
}

func (s *Secrets) aead(ctx context.Context, scope store.Scope) (cipher.AEAD, error) {
	key, err := s.keys.Key(ctx, scope)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	return cipher.NewGCM(block)
}

func seal(gcm cipher.AEAD, scope store.Scope, values map[string]string) ([]byte, error) {
	plain, err := json.Marshal(values)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode secrets")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return gcm.Seal(nonce, nonce, plain, []byte(scope)), nil
}

func open(gcm cipher.AEAD, scope store.Scope, sealed []byte) (map[string]string, error) {
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed secrets are truncated")
	}
	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, []byte(scope))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt secrets")
	}
	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, errors.Wrap(err, "failed to decode secrets")
	}
	return values, nil
}

func merge(values map[string]string) func(map[string]string, bool) (map[string]string, bool, error) {
	return func(old map[string]string, _ bool) (map[string]string, bool, error) {
		if old == nil {
			old = make(map[string]string, len(values))
		}
		for k, v := range values {
			old[k] = v
		}
		return old, true, nil
	}
}

// drop removes key, or everything when key is empty. An emptied section is
// deleted.
func drop(key string) func(map[string]string, bool) (map[string]string, bool, error) {
	return func(old map[string]string, _ bool) (map[string]string, bool, error) {
		if key == "" {
			return nil, false, nil
		}
		delete(old, key)
		return old, len(old) > 0, nil
	}
}

func clearSections(ctx context.Context, kv store.Store, scope store.Scope, prefix string, fn func(section string) error) error {
	keys, err := kv.List(ctx, scope, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := fn(strings.TrimPrefix(k, prefix)); err != nil {
			return err
		}
	}
	return nil
}
