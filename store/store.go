// Package store is the persisted state of the hub: a scoped key/value store
// holding JSON documents, with read-modify-write updates.
//
// Every persisted map has exactly one writer component, and that writer goes
// through Update so interleaved writers never lose each other's changes.
package store

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
)

// Scope selects the partition a key lives in.
type Scope = mcp.StorageScope

const (
	// Global holds values shared by every workspace.
	Global = mcp.ScopeGlobal
	// Workspace holds values of the current workspace.
	Workspace = mcp.ScopeWorkspace
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// UpdateFunc receives the current value of a key (found reports whether it
// exists) and returns the value to store. Returning nil deletes the key.
// Returning an error aborts the update and leaves the key untouched.
type UpdateFunc func(old []byte, found bool) ([]byte, error)

// Store is a scoped key/value store.
type Store interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, scope Scope, key string) ([]byte, error)
	// Put replaces the value of key.
	Put(ctx context.Context, scope Scope, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, scope Scope, key string) error
	// List returns the keys of scope starting with prefix, sorted.
	List(ctx context.Context, scope Scope, prefix string) ([]string, error)
	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, scope Scope, key string, fn UpdateFunc) error
	// Close releases the store.
	Close() error
}

// GetJSON decodes the value of key into a T. found is false when the key does
// not exist.
func GetJSON[T any](ctx context.Context, s Store, scope Scope, key string) (value T, found bool, err error) {
	raw, err := s.Get(ctx, scope, key)
	if errors.Is(err, ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, errors.Wrapf(err, "failed to decode %s/%s", scope, key)
	}
	return value, true, nil
}

// PutJSON encodes value and stores it under key.
func PutJSON[T any](ctx context.Context, s Store, scope Scope, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s/%s", scope, key)
	}
	return s.Put(ctx, scope, key, raw)
}

// UpdateJSON performs a read-modify-write of a JSON document. fn receives the
// decoded current value (the zero T when missing) and returns the next value;
// returning keep=false deletes the key.
func UpdateJSON[T any](ctx context.Context, s Store, scope Scope, key string, fn func(old T, found bool) (next T, keep bool, err error)) error {
	return s.Update(ctx, scope, key, func(raw []byte, found bool) ([]byte, error) {
		var old T
		if found {
			if err := json.Unmarshal(raw, &old); err != nil {
				return nil, errors.Wrapf(err, "failed to decode %s/%s", scope, key)
			}
		}
		next, keep, err := fn(old, found)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		out, err := json.Marshal(next)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s/%s", scope, key)
		}
		return out, nil
	})
}
