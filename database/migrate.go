// Package database holds the schema and the small amount of SQL plumbing
// shared by the storage adapters.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Migrate applies every pending migration to db.
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Once runs a fallible initialisation exactly once. Unlike sync.Once a failed
// attempt is not remembered, so the next caller retries. Concurrent callers
// wait for the in-flight attempt.
type Once struct {
	mu   sync.Mutex
	done bool
}

func (o *Once) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	o.done = true
	return nil
}
