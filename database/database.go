// Package database holds the SQLite-backed feature and match stores.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scenefinder/logging"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by FeatureStore.Put when the image already
	// has a feature record and overwrite was not requested.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("store closed")
)

// StorageError marks a failure to persist or read durable state. It is
// always fatal for a run: continuing would break the resume guarantee.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

const initRetries = 3

// OpenDatabase opens a SQLite file in WAL mode with a busy timeout so a
// separate status process can read while the pipeline writes.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// InitDatabase opens dbPath and applies schema, retrying while the file is
// locked by another process.
func InitDatabase(dbPath string, schema string) (*sql.DB, error) {
	var lastErr error
	for i := 0; i < initRetries; i++ {
		db, err := OpenDatabase(dbPath)
		if err == nil {
			if _, err = db.Exec(schema); err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		if i < initRetries-1 {
			logging.LogWarning("Error initializing database %s (attempt %d/%d): %v - retrying...",
				dbPath, i+1, initRetries, err)
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, storageErr("init", dbPath, lastErr)
}
