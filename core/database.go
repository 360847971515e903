package core

import "context"

// Ports define interfaces for external dependencies

// ============================================
// STORAGE PORT (Database operations)
// ============================================

// Row is a single result row. Scan returns ErrNoRows when the query matched
// nothing.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a forward-only cursor. Callers must Close it before issuing the
// next statement on the same connection.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Database is the narrow persistence contract every store in this module is
// written against. Statements use '?' placeholders; adapters rebind them for
// their driver. Upserts are written as INSERT ... ON CONFLICT.
type Database interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	// Exec returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Transaction runs fn in one unit of work. fn must only use tx.
	Transaction(ctx context.Context, fn func(tx Database) error) error
}

// Migrator is implemented by adapters that can bring their schema up to date.
// Migrate must be safe to call more than once.
type Migrator interface {
	Migrate(ctx context.Context) error
}
