// Package store implements the local credential persistence collaborator:
// a keyed record store with an all-or-nothing registration write, backed by
// pluggable storage backends (file, s3, ipfs, vault).
package store

import (
	"context"
)

// RecordKind is the storage namespace of a record.
type RecordKind int

const (
	// UserKind holds per-account user records.
	UserKind RecordKind = iota
	// AuthenticatorKind holds per-credential authenticator records.
	AuthenticatorKind
	// JournalKind holds in-flight registration journal entries.
	JournalKind
)

// String returns the namespace name.
func (k RecordKind) String() string {
	switch k {
	case UserKind:
		return "users"
	case AuthenticatorKind:
		return "authenticators"
	case JournalKind:
		return "journal"
	default:
		return "unknown"
	}
}

// KVBackend provides keyed record storage. Keys use '/' as a hierarchy
// separator; all key components are filesystem- and path-safe by
// construction (validated account ids and base64url credential ids).
type KVBackend interface {
	// Get retrieves a record; interfaces.ErrRecordNotFound if absent.
	Get(ctx context.Context, kind RecordKind, key string) ([]byte, error)

	// Put stores a record, overwriting any previous value.
	Put(ctx context.Context, kind RecordKind, key string, data []byte) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, kind RecordKind, key string) error

	// List returns the keys under a prefix.
	List(ctx context.Context, kind RecordKind, prefix string) ([]string, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}
