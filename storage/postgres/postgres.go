// Package postgres stores the identity table in PostgreSQL through
// github.com/lib/pq, for deployments where several processes share one
// trust store.
//
// Single-row statements are atomic on their own. Read-modify-write
// sequences go through Atomically, which holds a transaction-scoped
// advisory lock on the address, so two processes reconciling the same
// address run one after the other.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/trustcore/storage"
)

// DefaultQueryTimeout bounds each statement when the caller's context has
// no deadline.
const DefaultQueryTimeout = 30 * time.Second

const createTable = `
CREATE TABLE IF NOT EXISTS identities (
	_id BIGSERIAL PRIMARY KEY,
	address TEXT UNIQUE NOT NULL,
	identity_key TEXT,
	first_use BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp BIGINT NOT NULL DEFAULT 0,
	verified INTEGER NOT NULL DEFAULT 0,
	nonblocking_approval BOOLEAN NOT NULL DEFAULT FALSE,
	secondary_key TEXT DEFAULT NULL
)`

const (
	selectRow = `SELECT identity_key, first_use, timestamp, verified, nonblocking_approval, secondary_key
		FROM identities WHERE address = $1`
	upsertRow = `INSERT INTO identities
		(address, identity_key, first_use, timestamp, verified, nonblocking_approval, secondary_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			first_use = EXCLUDED.first_use,
			timestamp = EXCLUDED.timestamp,
			verified = EXCLUDED.verified,
			nonblocking_approval = EXCLUDED.nonblocking_approval,
			secondary_key = EXCLUDED.secondary_key`
	updateApproval  = `UPDATE identities SET nonblocking_approval = $1 WHERE address = $2`
	updateVerified  = `UPDATE identities SET verified = $1 WHERE address = $2 AND identity_key = $3`
	deleteRow       = `DELETE FROM identities WHERE address = $1`
	selectSecondary = `SELECT secondary_key FROM identities WHERE address = $1`
	lockAddress     = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Backend is a storage.Backend over a PostgreSQL database.
type Backend struct {
	db *sql.DB
	// q is db, or the transaction inside Atomically.
	q querier
}

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Atomic  = (*Backend)(nil)
)

// Open connects to url and ensures the identities table exists.
func Open(ctx context.Context, url string) (*Backend, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", storage.TableName, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "postgres",
	}).Info("Identity table ready")

	return &Backend{db: db, q: db}, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

func (b *Backend) Get(ctx context.Context, address string) (storage.Row, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		key       sql.NullString
		secondary sql.NullString
		row       = storage.Row{Address: address}
	)
	err := b.q.QueryRowContext(ctx, selectRow, address).
		Scan(&key, &row.FirstUse, &row.Timestamp, &row.Verified, &row.NonblockingApproval, &secondary)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Row{}, false, nil
	}
	if err != nil {
		return storage.Row{}, false, fmt.Errorf("failed to read identity row: %w", err)
	}

	row.IdentityKey = key.String
	if secondary.Valid {
		s := secondary.String
		row.SecondaryKey = &s
	}
	return row, true, nil
}

func (b *Backend) Replace(ctx context.Context, row storage.Row) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var secondary sql.NullString
	if row.SecondaryKey != nil {
		secondary = sql.NullString{String: *row.SecondaryKey, Valid: true}
	}
	_, err := b.q.ExecContext(ctx, upsertRow,
		row.Address, row.IdentityKey, row.FirstUse, row.Timestamp,
		row.Verified, row.NonblockingApproval, secondary)
	if err != nil {
		return fmt.Errorf("failed to replace identity row: %w", err)
	}
	return nil
}

func (b *Backend) UpdateApproval(ctx context.Context, address string, approval bool) (int64, error) {
	return b.exec(ctx, "update approval", updateApproval, approval, address)
}

func (b *Backend) UpdateVerified(ctx context.Context, address, identityKey string, verified int) (int64, error) {
	return b.exec(ctx, "update verified", updateVerified, verified, address, identityKey)
}

func (b *Backend) Delete(ctx context.Context, address string) (int64, error) {
	return b.exec(ctx, "delete", deleteRow, address)
}

func (b *Backend) SecondaryKey(ctx context.Context, address string) (*string, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var secondary sql.NullString
	err := b.q.QueryRowContext(ctx, selectSecondary, address).Scan(&secondary)
	if errors.Is(err, sql.ErrNoRows) {
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

// Atomically runs fn inside a transaction holding the advisory lock for
// address. fn's writes commit only if it returns nil.
func (b *Backend) Atomically(ctx context.Context, address string, fn func(storage.Backend) error) error {
	if b.db == nil {
		// Already inside a transaction.
		return fn(b)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	lctx, cancel := withTimeout(ctx)
	_, err = tx.ExecContext(lctx, lockAddress, address)
	cancel()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock address: %w", err)
	}

	if err := fn(&Backend{q: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Atomically",
				"address":  address,
				"error":    rerr.Error(),
			}).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database. It is a no-op on the Backend handed to an
// Atomically callback.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Truncate removes every row. Used by tests sharing one database.
func (b *Backend) Truncate(ctx context.Context) error {
	_, err := b.q.ExecContext(ctx, `TRUNCATE identities`)
	return err
}

func (b *Backend) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := b.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to %s: rows affected: %w", op, err)
	}
	return n, nil
}
