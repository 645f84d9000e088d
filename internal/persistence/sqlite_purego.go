//go:build nocgo

package persistence

import (
	_ "modernc.org/sqlite" // registers the "sqlite" driver (pure Go, no cgo)
)

const driverName = "sqlite"

// Open creates the embedded SQLite-backed Adapter at path using the
// pure-Go driver. Selected by the nocgo build tag for environments where
// cgo is unavailable (cross-compiled CI runners, minimal containers).
func Open(path string) (Adapter, error) {
	return newSQLiteAdapter(driverName, dsn(path))
}

func dsn(path string) string {
	return path + "?_pragma=foreign_keys(on)&_pragma=journal_mode(wal)"
}
