// Package storage defines the persisted row layout of the identity table and
// the Backend interface the identity store runs on.
//
// Rows carry key material in its encoded text form (see package keycodec) so
// that every backend compares identity keys the same way a SQL statement
// would: byte-exact on the stored text. Decoding and validation happen in
// the identity package, never here.
//
// Implementations in this module:
//
//   - Memory: mutex-guarded map, used in tests and for ephemeral stores
//   - storage/sqlite: the identities table on SQLite
//   - storage/securefile: an encrypted-at-rest snapshot file
//   - storage/postgres: the identities table on PostgreSQL, shareable
//     between processes
//
// All backends must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
)

// TableName is the logical table every backend models.
const TableName = "identities"

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage backend closed")

// Row is one persisted identity record.
type Row struct {
	Address             string  `json:"address"`
	IdentityKey         string  `json:"identity_key"`
	FirstUse            bool    `json:"first_use"`
	Timestamp           int64   `json:"timestamp"`
	Verified            int     `json:"verified"`
	NonblockingApproval bool    `json:"nonblocking_approval"`
	SecondaryKey        *string `json:"secondary_key,omitempty"`
}

// Clone returns a deep copy of r.
func (r Row) Clone() Row {
	if r.SecondaryKey != nil {
		s := *r.SecondaryKey
		r.SecondaryKey = &s
	}
	return r
}

// Backend is the row-level storage contract of the identity table.
//
// Update* methods are conditional single statements: they report the number
// of rows affected and never return an error just because nothing matched.
type Backend interface {
	// Get returns the row stored for address.
	Get(ctx context.Context, address string) (Row, bool, error)

	// Replace inserts row, replacing any existing row with the same address.
	Replace(ctx context.Context, row Row) error

	// UpdateApproval sets nonblocking_approval for address.
	UpdateApproval(ctx context.Context, address string, approval bool) (int64, error)

	// UpdateVerified sets verified for address only when the stored
	// identity_key equals identityKey.
	UpdateVerified(ctx context.Context, address, identityKey string, verified int) (int64, error)

	// Delete removes the row for address.
	Delete(ctx context.Context, address string) (int64, error)

	// SecondaryKey reads only the secondary_key column. The bool reports
	// whether a row exists; the pointer is nil when the column is NULL.
	SecondaryKey(ctx context.Context, address string) (*string, bool, error)

	// Close releases the backend.
	Close() error
}

// Atomic is implemented by backends that other processes may write to
// concurrently. Atomically runs fn with a Backend whose operations on
// address are serialized against every other Atomically call for the same
// address, in this process or another one. fn's writes take effect only if
// it returns nil.
//
// Backends owned by a single process do not need it; the identity store
// already serializes each address in-process.
type Atomic interface {
	Atomically(ctx context.Context, address string, fn func(Backend) error) error
}
