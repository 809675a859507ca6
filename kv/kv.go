// Package kv defines the durable key-value contract the engine is built on.
//
// A Store hands out named collections. Every single-key operation on a
// Collection must be atomic and durable on return; nothing else is assumed.
package kv

import (
	"context"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

var (
	// ErrNotFound is returned by Collection.Get for an absent key.
	ErrNotFound = syncErrors.E(syncErrors.KindNotFound, "kv: key not found")

	// ErrNotOpen is returned when a store or collection is used after Close.
	ErrNotOpen = syncErrors.E(syncErrors.KindInvalid, "kv: store not open")
)

// Store opens named collections.
type Store interface {
	// Open returns the collection called name, creating it if needed.
	// Opening the same name twice returns handles onto the same data.
	Open(ctx context.Context, name string) (Collection, error)

	// Close releases the store. Collections obtained from it stop working.
	Close() error
}

// Collection is a flat namespace of byte values.
type Collection interface {
	Name() string

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every key in ascending byte order.
	Keys(ctx context.Context) ([]string, error)

	// Values returns every key/value pair.
	Values(ctx context.Context) (map[string][]byte, error)
}

// ValidateName rejects collection names a backend cannot store.
func ValidateName(name string) error {
	if name == "" {
		return syncErrors.E(syncErrors.KindInvalid, syncErrors.Op("kv.Open"), "empty collection name")
	}
	for _, r := range name {
		if r == 0 || r == '/' {
			return syncErrors.E(syncErrors.KindInvalid, syncErrors.Op("kv.Open"), "invalid collection name "+name)
		}
	}
	return nil
}
