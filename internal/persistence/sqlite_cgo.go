//go:build !nocgo

package persistence

import (
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver (cgo)
)

const driverName = "sqlite3"

// Open creates the embedded SQLite-backed Adapter at path. It does not
// apply migrations; callers run Adapter.Migrate. Build with -tags nocgo to use the pure-Go driver
// instead (see sqlite_purego.go) — matches the teacher's practice of
// registering both github.com/mattn/go-sqlite3 and modernc.org/sqlite so
// the binary can be built either with or without cgo.
func Open(path string) (Adapter, error) {
	return newSQLiteAdapter(driverName, dsn(path))
}

func dsn(path string) string {
	return path + "?_foreign_keys=on&_journal_mode=WAL"
}
