// Package sqlite stores the identity table in a SQLite database through
// github.com/mattn/go-sqlite3.
//
// Conditional updates are single statements, so the key comparison and the
// write happen atomically inside SQLite:
//
//	UPDATE identities SET verified = ? WHERE address = ? AND identity_key = ?
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/storage"
)

const createTable = `
CREATE TABLE IF NOT EXISTS identities (
	_id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT UNIQUE NOT NULL,
	identity_key TEXT,
	first_use INTEGER DEFAULT 0,
	timestamp INTEGER DEFAULT 0,
	verified INTEGER DEFAULT 0,
	nonblocking_approval INTEGER DEFAULT 0,
	secondary_key TEXT DEFAULT NULL
)`

const (
	selectRow = `SELECT identity_key, first_use, timestamp, verified, nonblocking_approval, secondary_key
		FROM identities WHERE address = ?`
	replaceRow = `INSERT OR REPLACE INTO identities
		(address, identity_key, first_use, timestamp, verified, nonblocking_approval, secondary_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	updateApproval  = `UPDATE identities SET nonblocking_approval = ? WHERE address = ?`
	updateVerified  = `UPDATE identities SET verified = ? WHERE address = ? AND identity_key = ?`
	deleteRow       = `DELETE FROM identities WHERE address = ?`
	selectSecondary = `SELECT secondary_key FROM identities WHERE address = ?`
)

// Backend is a storage.Backend over a SQLite database file.
type Backend struct {
	db   *sql.DB
	path string
}

var _ storage.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database at path and ensures the
// identities table exists.
func Open(ctx context.Context, path string) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serialises writers and avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", storage.TableName, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "sqlite",
		"path":     path,
	}).Info("Identity table ready")

	return &Backend{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Get(ctx context.Context, address string) (storage.Row, bool, error) {
	var (
		key       sql.NullString
		firstUse  int64
		ts        int64
		verified  int64
		approval  int64
		secondary sql.NullString
	)

	err := b.db.QueryRowContext(ctx, selectRow, address).
		Scan(&key, &firstUse, &ts, &verified, &approval, &secondary)
	if err == sql.ErrNoRows {
		return storage.Row{}, false, nil
	}
	if err != nil {
		return storage.Row{}, false, fmt.Errorf("failed to read identity row: %w", err)
	}

	row := storage.Row{
		Address:             address,
		IdentityKey:         key.String,
		FirstUse:            firstUse != 0,
		Timestamp:           ts,
		Verified:            int(verified),
		NonblockingApproval: approval != 0,
	}
	if secondary.Valid {
		s := secondary.String
		row.SecondaryKey = &s
	}
	return row, true, nil
}

func (b *Backend) Replace(ctx context.Context, row storage.Row) error {
	var secondary sql.NullString
	if row.SecondaryKey != nil {
		secondary = sql.NullString{String: *row.SecondaryKey, Valid: true}
	}

	_, err := b.db.ExecContext(ctx, replaceRow,
		row.Address,
		row.IdentityKey,
		boolToInt(row.FirstUse),
		row.Timestamp,
		row.Verified,
		boolToInt(row.NonblockingApproval),
		secondary,
	)
	if err != nil {
		return fmt.Errorf("failed to replace identity row: %w", err)
	}
	return nil
}

func (b *Backend) UpdateApproval(ctx context.Context, address string, approval bool) (int64, error) {
	return b.exec(ctx, "update approval", updateApproval, boolToInt(approval), address)
}

func (b *Backend) UpdateVerified(ctx context.Context, address, identityKey string, verified int) (int64, error) {
	return b.exec(ctx, "update verified", updateVerified, verified, address, identityKey)
}

func (b *Backend) Delete(ctx context.Context, address string) (int64, error) {
	return b.exec(ctx, "delete", deleteRow, address)
}

func (b *Backend) SecondaryKey(ctx context.Context, address string) (*string, bool, error) {
	var secondary sql.NullString
	err := b.db.QueryRowContext(ctx, selectSecondary, address).Scan(&secondary)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read secondary key: %w", err)
	}
	if !secondary.Valid {
		return nil, true, nil
	}
	s := secondary.String
	return &s, true, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: rows affected: %w", op, err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
