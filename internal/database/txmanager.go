// Package database provides database connection management and utilities.
package database

import (
	"context"
	"database/sql"
	"strings"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
)

// txKey is a context key type for storing database transactions.
type txKey struct{}

// Querier represents a database query executor (either *sql.DB or *sql.Tx).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxManager manages database transactions. All persistence side effects of one
// action (graph diff writes, blob hard-deletes, counter updates) run inside a
// single WithTx call so they commit or roll back together.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// sqlTxManager implements TxManager for SQL databases.
type sqlTxManager struct {
	db *sql.DB
}

// NewTxManager creates a new TxManager for the given database.
func NewTxManager(db *sql.DB) TxManager {
	return &sqlTxManager{db: db}
}

// WithTx executes the function within a database transaction. If beginning the
// transaction fails with a transient connection error, it is retried once;
// failures inside fn are never retried here, since the caller may have already
// applied non-idempotent checks (authorization, quota) against the pre-image.
func (m *sqlTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		if !isTransientConnError(err) {
			return apperrors.Wrap(apperrors.ErrTransactionFailed, err.Error())
		}
		tx, err = m.db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrTransactionFailed, err.Error())
		}
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return apperrors.Wrap(apperrors.ErrTransactionFailed, rbErr.Error())
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrTransactionFailed, err.Error())
	}
	return nil
}

// GetTx retrieves a transaction from context, or returns the DB connection.
func GetTx(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// isTransientConnError reports whether the error looks like a transient
// transport-level failure worth a single retry.
func isTransientConnError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "broken pipe")
}
