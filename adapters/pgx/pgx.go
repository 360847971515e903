// Package pgx implements core.Database directly on a pgx connection pool.
package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// txStarter is satisfied by *pgxpool.Pool.
type txStarter interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// maxTxAttempts bounds how often a transaction aborted by a serialization
// failure is run again.
const maxTxAttempts = 3

// SQLSTATE for serialization_failure.
const codeSerializationFailure = "40001"

type Adapter struct {
	pool    *pgxpool.Pool
	starter txStarter
	q       querier
	tx      pgx.Tx
	once    *database.Once
}

var (
	_ core.Database = (*Adapter)(nil)
	_ core.Migrator = (*Adapter)(nil)
)

func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{
		pool:    pool,
		starter: pool,
		q:       pool,
		once:    &database.Once{},
	}
}

// Migrate applies the embedded schema through a database/sql view of the
// pool, once per adapter.
func (a *Adapter) Migrate(ctx context.Context) error {
	if a.once == nil {
		return errors.New("migrate called on a transaction-scoped adapter")
	}
	return a.once.Do(ctx, func(ctx context.Context) error {
		db := stdlib.OpenDBFromPool(a.pool)
		defer db.Close()
		return database.Migrate(ctx, db, database.DialectPostgres)
	})
}

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	rows, err := a.q.Query(ctx, database.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (a *Adapter) QueryRow(ctx context.Context, query string, args ...any) core.Row {
	return &pgxRow{row: a.q.QueryRow(ctx, database.Rebind(query), args...)}
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := a.q.Exec(ctx, database.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Transaction runs fn at SERIALIZABLE isolation so that read-then-write
// sequences such as the code rate limit cannot interleave. A top-level
// transaction aborted by a serialization failure is retried with a fresh
// transaction. Nested calls use a savepoint and leave retrying to the
// outermost call.
func (a *Adapter) Transaction(ctx context.Context, fn func(tx core.Database) error) error {
	if a.tx != nil {
		return a.run(ctx, a.tx.Begin, fn)
	}

	begin := func(ctx context.Context) (pgx.Tx, error) {
		return a.starter.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	}
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = a.run(ctx, begin, fn)
		if !isSerializationFailure(err) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func (a *Adapter) run(ctx context.Context, begin func(context.Context) (pgx.Tx, error), fn func(tx core.Database) error) error {
	tx, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Adapter{pool: a.pool, starter: a.starter, q: tx, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailure
}

type pgxRow struct {
	row pgx.Row
}

func (r *pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNoRows
	}
	return err
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Err() error             { return r.rows.Err() }
func (r *pgxRows) Close()                 { r.rows.Close() }
