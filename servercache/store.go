package servercache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/store"
)

const keyPrefix = "cache/"

// Entry is the persisted cache of one server definition.
type Entry struct {
	Tools          []mcp.Tool          `json:"tools,omitempty"`
	Prompts        []mcp.Prompt        `json:"prompts,omitempty"`
	ServerMetadata *mcp.ServerMetadata `json:"serverMetadata,omitempty"`
	Capabilities   Capabilities        `json:"capabilities,omitempty"`
	// Nonce is the definition nonce the values were fetched at.
	Nonce string `json:"nonce,omitempty"`
	// TrustedAtNonce is the definition nonce the user last trusted.
	TrustedAtNonce string `json:"trustedAtNonce,omitempty"`
	// FetchedAt is zero until a fetch wrote the entry.
	FetchedAt time.Time `json:"fetchedAt,omitzero"`
}

// Fetched reports whether the entry holds fetched values.
func (e Entry) Fetched() bool {
	return !e.FetchedAt.IsZero()
}

// Store is the only writer of the persisted cache entries of one scope.
type Store struct {
	kv    store.Store
	scope store.Scope

	mu sync.Mutex
}

// NewStore returns a Store persisting entries of scope in kv.
func NewStore(kv store.Store, scope store.Scope) *Store {
	return &Store{kv: kv, scope: scope}
}

// Scope returns the scope entries are persisted in.
func (s *Store) Scope() store.Scope {
	return s.scope
}

// Get returns the entry of definition id.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	return store.GetJSON[Entry](ctx, s.kv, s.scope, keyPrefix+id)
}

// Update applies fn to the entry of definition id in one read-modify-write
// cycle. fn receives the zero Entry when none exists.
func (s *Store) Update(ctx context.Context, id string, fn func(*Entry)) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Entry
	err := store.UpdateJSON(ctx, s.kv, s.scope, keyPrefix+id, func(old Entry, _ bool) (Entry, bool, error) {
		fn(&old)
		out = old
		return old, true, nil
	})
	return out, errors.Wrapf(err, "failed to update cache of %s", id)
}

// SetTrustedAtNonce records that the user trusted definition id at nonce.
func (s *Store) SetTrustedAtNonce(ctx context.Context, id, nonce string) error {
	_, err := s.Update(ctx, id, func(e *Entry) { e.TrustedAtNonce = nonce })
	return err
}

// ClearTrust forgets every trust decision recorded in the scope.
func (s *Store) ClearTrust(ctx context.Context) error {
	ids, err := s.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.Update(ctx, id, func(e *Entry) { e.TrustedAtNonce = "" }); err != nil {
			return err
		}
	}
	return nil
}

// Delete drops the entry of definition id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.kv.Delete(ctx, s.scope, keyPrefix+id)
}

// IDs returns the definition ids holding an entry.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, s.scope, keyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	return ids, nil
}
