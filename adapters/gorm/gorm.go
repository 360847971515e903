// Package gorm implements core.Database on top of a *gorm.DB, which lets the
// identity stores run on any dialect gorm has a driver for. SQLite and
// PostgreSQL constructors are provided.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
)

type Adapter struct {
	db      *gorm.DB
	dialect string
	once    *database.Once
}

var (
	_ core.Database = (*Adapter)(nil)
	_ core.Migrator = (*Adapter)(nil)
)

// New wraps an open gorm handle. dialect selects the migration flavour and
// must be database.DialectPostgres or database.DialectSQLite.
func New(db *gorm.DB, dialect string) *Adapter {
	return &Adapter{db: db, dialect: dialect, once: &database.Once{}}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

// OpenSQLite opens a pure-Go SQLite database. SQLite allows one writer, so
// the pool is pinned to a single connection.
func OpenSQLite(dsn string) (*Adapter, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed getting sql.DB from gorm: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db, database.DialectSQLite), nil
}

// OpenPostgres connects through gorm's pgx-backed PostgreSQL driver.
func OpenPostgres(dsn string) (*Adapter, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed opening postgres database: %w", err)
	}
	return New(db, database.DialectPostgres), nil
}

// SQLDB exposes the underlying pool.
func (a *Adapter) SQLDB() (*sql.DB, error) {
	return a.db.DB()
}

func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies the embedded schema once per adapter.
func (a *Adapter) Migrate(ctx context.Context) error {
	if a.once == nil {
		return errors.New("migrate called on a transaction-scoped adapter")
	}
	return a.once.Do(ctx, func(ctx context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return database.Migrate(ctx, sqlDB, a.dialect)
	})
}

func (a *Adapter) Query(ctx context.Context, query string, args ...any) (core.Rows, error) {
	rows, err := a.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (a *Adapter) QueryRow(ctx context.Context, query string, args ...any) core.Row {
	return &sqlRow{row: a.db.WithContext(ctx).Raw(query, args...).Row()}
}

func (a *Adapter) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res := a.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (a *Adapter) Transaction(ctx context.Context, fn func(tx core.Database) error) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Adapter{db: tx, dialect: a.dialect})
	})
}

type sqlRow struct {
	row *sql.Row
}

func (r *sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNoRows
	}
	return err
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Err() error             { return r.rows.Err() }
func (r *sqlRows) Close()                 { _ = r.rows.Close() }
