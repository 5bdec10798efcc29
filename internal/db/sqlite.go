// Package db opens the embedded SQLite database backing the persistent
// memory mirrors. WAL mode gives concurrent readers next to a single
// writer connection, which is all a one-process core needs.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer; four read
	// connections cover a desktop workload.
	readerConns = 4
)

// Open opens the database at dbPath and returns a read/write pool. The
// file and its directory are created when missing.
func Open(dbPath string) (*Pool, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("preparing database path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("creating database file: %w", err)
	}

	writer, err := openWriter(normalized)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(normalized)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: reader}, nil
}

// openWriter opens the single-connection write side. One connection
// serializes writes and avoids SQLITE_BUSY under contention.
func openWriter(dbPath string) (*sqlx.DB, error) {
	// foreign_keys: enforce FK constraints; busy_timeout: wait briefly on
	// locks; journal_mode=WAL: readers proceed during writes;
	// synchronous=NORMAL: sane durability for an app workload.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		dbPath,
		int(busyTimeout/time.Millisecond),
	)
	w, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)
	return w, nil
}

// openReader opens the read-only connection pool. journal_mode and
// synchronous are database-level settings owned by the writer.
func openReader(dbPath string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		dbPath,
		int(busyTimeout/time.Millisecond),
	)
	r, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening read-only database: %w", err)
	}
	r.SetMaxOpenConns(readerConns)
	r.SetMaxIdleConns(readerConns)
	return r, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
