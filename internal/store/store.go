package store

import (
	"context"
	"database/sql"
	"log/slog"
)

// Store wraps the BaseDB with transaction support and automatic retry on
// serialization errors. Unlike the teacher's sqlc-generated Store, the
// query type here is the plain *sql.Tx: callers that need typed queries
// (remember-entities, shard-allocation snapshots) build small
// package-scoped query structs around the *sql.Tx they're handed, rather
// than depending on one generated interface for the whole database.
type Store struct {
	*BaseDB

	txExecutor *TransactionExecutor[*sql.Tx]

	log *slog.Logger
}

// NewStore creates a new Store instance wrapping the given database
// connection.
func NewStore(db *sql.DB) *Store {
	return NewStoreWithLogger(db, slog.Default())
}

// NewStoreWithLogger creates a new Store instance with a custom logger.
func NewStoreWithLogger(db *sql.DB, log *slog.Logger) *Store {
	baseDB := NewBaseDB(db)

	createQuery := func(tx *sql.Tx) *sql.Tx { return tx }

	return &Store{
		BaseDB:     baseDB,
		txExecutor: NewTransactionExecutor(baseDB, createQuery, log),
		log:        log,
	}
}

// ExecTx executes the given function within a database transaction with
// automatic retry on serialization errors.
func (s *Store) ExecTx(ctx context.Context, txOptions TxOptions,
	txBody func(*sql.Tx) error,
) error {
	return s.txExecutor.ExecTx(ctx, txOptions, txBody)
}

// TxFunc is the function signature for transaction callbacks.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx executes fn within a read-write transaction, retrying on
// serialization errors.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	return s.ExecTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}

// WithReadTx executes fn within a read-only transaction.
func (s *Store) WithReadTx(ctx context.Context, fn TxFunc) error {
	return s.ExecTx(ctx, ReadTxOption(), func(tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.BaseDB.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.BaseDB.DB
}
