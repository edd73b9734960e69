// Package sqlite is the durable store.Store backend. It drives the same
// sqlx.DB connections internal/db.Pool hands out, so the identical code path
// runs against an embedded SQLite file or a PostgreSQL server depending on
// which driver internal/db/dialect reports.
package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/delidev/core/internal/db"
	"github.com/delidev/core/internal/db/dialect"
	"github.com/delidev/core/internal/store"
)

// Store is the sqlx-backed implementation of store.Store.
type Store struct {
	pool   *db.Pool
	driver string
}

// New opens the store and runs idempotent schema migrations on the writer
// connection. driver must be dialect.SQLite3 or dialect.PGX.
func New(ctx context.Context, pool *db.Pool, driver string) (*Store, error) {
	s := &Store{pool: pool, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	w := s.pool.Writer()
	for _, fn := range []func(context.Context, *sqlx.DB, string) error{
		initRepositorySchema,
		initRepositoryGroupSchema,
		initUnitTaskSchema,
		initCompositeTaskSchema,
		initAgentTaskSchema,
		initLogMessageSchema,
	} {
		if err := fn(ctx, w, s.driver); err != nil {
			return err
		}
	}
	return nil
}

// Transaction runs fn against a *txStore wrapping a single sqlx.Tx, so every
// call inside fn shares one connection and commits or rolls back atomically.
func (s *Store) Transaction(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txStore := &txStore{tx: tx, driver: s.driver}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting every CRUD
// method run identically whether called directly on Store or inside a
// Transaction callback on txStore.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

func (s *Store) reader() querier { return s.pool.Reader() }
func (s *Store) writer() querier { return s.pool.Writer() }

// txStore is the Store view handed to a Transaction callback: reads and
// writes both go through the same *sqlx.Tx so the callback sees its own
// uncommitted writes.
type txStore struct {
	tx     *sqlx.Tx
	driver string
}

func (t *txStore) reader() querier { return t.tx }
func (t *txStore) writer() querier { return t.tx }

func (t *txStore) Transaction(ctx context.Context, fn store.TxFunc) error {
	// Nested transactions share the outer tx; sqlite/postgres don't need
	// real savepoints here since the store never nests Transaction calls itself.
	return fn(ctx, t)
}

var _ store.Store = (*Store)(nil)
var _ store.Store = (*txStore)(nil)

func isPostgres(driver string) bool { return dialect.IsPostgres(driver) }
