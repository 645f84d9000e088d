package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// Adapter is the narrow interface spec.md §4.1 names: query, transaction,
// migrate, close. Repositories (projects.go, tickets.go, runs.go, ...) are
// built on top of it; they never hold a *sql.DB directly so the backing
// store (embedded SQLite today) can be swapped for a networked relational
// store without touching call sites, per spec.md §4.1's "Implementations
// back it with either an embedded single-file store or a networked
// relational store."
type Adapter interface {
	// Query runs a read query. Placeholders use "?" and are translated by
	// the implementation as needed for the backing driver.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Exec runs a statement that does not return rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// WithTransaction executes fn with a transactional client. Any error
	// returned by fn rolls back the transaction and propagates unchanged;
	// callers never catch it, matching spec.md §4.1's failure model.
	WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error

	// Migrate applies pending schema migrations (see migrations.go).
	Migrate(ctx context.Context) error

	Close() error
}

// sqliteAdapter is the embedded single-file implementation of Adapter.
// driverName and dsn are supplied by the build-tag-selected constructor in
// sqlite_cgo.go / sqlite_purego.go.
type sqliteAdapter struct {
	db *sql.DB
}

func newSQLiteAdapter(driverName, dsn string) (*sqliteAdapter, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", driverName, err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid SQLITE_BUSY storms.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &sqliteAdapter{db: db}, nil
}

func (a *sqliteAdapter) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

func (a *sqliteAdapter) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *sqliteAdapter) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (a *sqliteAdapter) Migrate(ctx context.Context) error {
	return runMigrations(ctx, a.db)
}

func (a *sqliteAdapter) Close() error {
	return a.db.Close()
}
