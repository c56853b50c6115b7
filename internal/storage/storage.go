// Package storage defines the key-value adapter contract shared by every
// backing store in the fabric: a namespaced collection × key space with
// optional per-key schema validation and a local event surface.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("storage: adapter closed")
)

// ValidationError wraps a schema rejection so callers can tell it apart from
// transport failures. A validation error on Get indicates stored corruption
// and is never silently dropped.
type ValidationError struct {
	Collection string
	Key        string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("storage: validation failed for %s:%s: %v", e.Collection, e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Schema validates a value for a specific (collection, key). A nil return
// accepts the value.
type Schema func(value any) error

// SchemaKey addresses a schema registration.
type SchemaKey struct {
	Collection string
	Key        string
}

// SchemaSet is the per-adapter schema registry supplied at construction.
type SchemaSet map[SchemaKey]Schema

// Validate applies the registered schema for (collection, key), if any.
func (s SchemaSet) Validate(collection, key string, value any) error {
	if s == nil {
		return nil
	}
	check, ok := s[SchemaKey{Collection: collection, Key: key}]
	if !ok || check == nil {
		return nil
	}
	if err := check(value); err != nil {
		return &ValidationError{Collection: collection, Key: key, Err: err}
	}
	return nil
}

// Adapter is the uniform asynchronous K/V contract. Implementations must be
// safe for concurrent use. Collection and key are opaque strings; values
// round-trip through JSON.
type Adapter interface {
	// Get returns the stored, schema-validated value or nil if absent.
	Get(ctx context.Context, collection, key string) (any, error)
	// Has reports whether a value exists.
	Has(ctx context.Context, collection, key string) (bool, error)
	// Set validates value against the schema for (collection, key) and
	// persists it. A failed validation rejects the write.
	Set(ctx context.Context, collection, key string, value any) error
	// Delete removes a value, reporting whether one was removed.
	Delete(ctx context.Context, collection, key string) (bool, error)
	// Clear removes every key in a collection, or every collection when
	// collection is empty. Returns the number of keys removed.
	Clear(ctx context.Context, collection string) (int64, error)
	// Size counts keys in a collection, or across all collections when
	// collection is empty.
	Size(ctx context.Context, collection string) (int64, error)
	// Keys returns the bare key names in a collection, unordered.
	Keys(ctx context.Context, collection string) ([]string, error)
	// Events exposes the adapter's local event emitter.
	Events() *Emitter
	// Close releases resources and drops all event subscribers.
	Close() error
}
