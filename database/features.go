package database

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"scenefinder/logging"
	"scenefinder/types"

	"github.com/klauspost/compress/zstd"
)

const featuresSchema = `
CREATE TABLE IF NOT EXISTS features (
	image_id TEXT PRIMARY KEY,
	extractor TEXT NOT NULL,
	data BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

// DefaultChunkSize is the number of puts after which the store commits and
// reopens its handle.
const DefaultChunkSize = 200

// FeatureStore maps ImageIDs to extracted feature records.
//
// Writes are batched into one open transaction. Every ChunkSize puts the
// transaction is committed and the database handle is closed and reopened,
// so resident memory stays bounded regardless of collection size. Reads are
// safe for concurrent use.
type FeatureStore struct {
	path      string
	chunkSize int

	mu      sync.RWMutex
	db      *sql.DB
	tx      *sql.Tx
	pending int
	closed  bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenFeatureStore opens or creates the feature store at path.
func OpenFeatureStore(path string, chunkSize int) (*FeatureStore, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	db, err := InitDatabase(path, featuresSchema)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &FeatureStore{path: path, chunkSize: chunkSize, db: db, enc: enc, dec: dec}, nil
}

// Path returns the backing file path.
func (s *FeatureStore) Path() string { return s.path }

// Put stores rec under id. It fails with ErrDuplicateKey if id is present
// and overwrite is false.
func (s *FeatureStore) Put(id types.ImageID, rec types.FeatureRecord, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return storageErr("begin", s.path, err)
		}
		s.tx = tx
	}

	exists, err := hasRow(s.tx, id)
	if err != nil {
		return storageErr("lookup", s.path, err)
	}
	if exists && !overwrite {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}

	blob := s.enc.EncodeAll(rec.Data, nil)
	_, err = s.tx.Exec(`INSERT OR REPLACE INTO features (image_id, extractor, data, created_at) VALUES (?, ?, ?, ?)`,
		string(id), rec.Extractor, blob, time.Now().Format(time.RFC3339))
	if err != nil {
		return storageErr("insert", s.path, err)
	}

	s.pending++
	if s.pending >= s.chunkSize {
		return s.rotateLocked()
	}
	return nil
}

// Has reports whether a feature record exists for id.
func (s *FeatureStore) Has(id types.ImageID) (bool, error) {
	var exists bool
	err := s.withReader(func(q querier) error {
		var err error
		exists, err = hasRow(q, id)
		return err
	})
	if err != nil {
		return false, storageErr("lookup", s.path, err)
	}
	return exists, nil
}

// Get returns the record for id or ErrNotFound.
func (s *FeatureStore) Get(id types.ImageID) (types.FeatureRecord, error) {
	var (
		extractor string
		blob      []byte
	)
	err := s.withReader(func(q querier) error {
		return q.QueryRow(`SELECT extractor, data FROM features WHERE image_id = ?`, string(id)).Scan(&extractor, &blob)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return types.FeatureRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return types.FeatureRecord{}, storageErr("get", s.path, err)
	}

	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return types.FeatureRecord{}, storageErr("decode", s.path, fmt.Errorf("%s: %w", id, err))
	}
	return types.FeatureRecord{ImageID: id, Extractor: extractor, Data: data}, nil
}

// Delete removes the record for id, invalidating an earlier extraction.
func (s *FeatureStore) Delete(id types.ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	var q querier = s.db
	if s.tx != nil {
		q = s.tx
	}
	if _, err := q.Exec(`DELETE FROM features WHERE image_id = ?`, string(id)); err != nil {
		return storageErr("delete", s.path, err)
	}
	return nil
}

// Flush commits buffered writes. It is safe to call mid-run.
func (s *FeatureStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// keyPageSize is the number of keys ListKeys reads per query.
var keyPageSize = 256

// ListKeys lazily yields every stored ImageID in key order. Keys are read a
// page at a time and no lock is held while yielding, so the caller may write
// to the store inside the loop. Keys put during iteration are yielded only
// if they sort after the current page.
func (s *FeatureStore) ListKeys() iter.Seq2[types.ImageID, error] {
	return func(yield func(types.ImageID, error) bool) {
		after, first := "", true
		for {
			page, err := s.keysAfter(after, first, keyPageSize)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(types.ImageID(id), nil) {
					return
				}
			}
			if len(page) < keyPageSize {
				return
			}
			after, first = page[len(page)-1], false
		}
	}
}

// keysAfter returns up to limit keys sorting after the given key, or from
// the start when first is set. Unflushed puts are included.
func (s *FeatureStore) keysAfter(after string, first bool, limit int) ([]string, error) {
	var keys []string
	err := s.withReader(func(q querier) error {
		var rows *sql.Rows
		var err error
		if first {
			rows, err = q.Query(`SELECT image_id FROM features ORDER BY image_id LIMIT ?`, limit)
		} else {
			rows, err = q.Query(`SELECT image_id FROM features WHERE image_id > ? ORDER BY image_id LIMIT ?`, after, limit)
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			keys = append(keys, id)
		}
		return rows.Err()
	})
	if errors.Is(err, ErrClosed) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("list", s.path, err)
	}
	return keys, nil
}

// Count returns the number of stored records.
func (s *FeatureStore) Count() (int, error) {
	var n int
	err := s.withReader(func(q querier) error {
		return q.QueryRow(`SELECT COUNT(*) FROM features`).Scan(&n)
	})
	if err != nil {
		return 0, storageErr("count", s.path, err)
	}
	return n, nil
}

// Close flushes and closes the store.
func (s *FeatureStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked()
	if cerr := s.db.Close(); err == nil && cerr != nil {
		err = storageErr("close", s.path, cerr)
	}
	s.enc.Close()
	s.dec.Close()
	s.closed = true
	return err
}

func (s *FeatureStore) flushLocked() error {
	if s.closed || s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.pending = 0
	if err != nil {
		return storageErr("commit", s.path, err)
	}
	return nil
}

// rotateLocked commits the chunk and reopens the handle to release the
// connection's page cache.
func (s *FeatureStore) rotateLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.db.Close(); err != nil {
		return storageErr("close", s.path, err)
	}
	db, err := OpenDatabase(s.path)
	if err != nil {
		return storageErr("reopen", s.path, err)
	}
	s.db = db
	logging.DebugLog("Feature store chunk committed, handle reopened: %s", s.path)
	return nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

// withReader runs fn against the open write transaction if one exists, so
// reads observe unflushed puts, otherwise against the shared handle.
func (s *FeatureStore) withReader(fn func(q querier) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if s.tx == nil {
		defer s.mu.RUnlock()
		return fn(s.db)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.tx != nil {
		return fn(s.tx)
	}
	return fn(s.db)
}

func hasRow(q querier, id types.ImageID) (bool, error) {
	var count int
	if err := q.QueryRow(`SELECT COUNT(*) FROM features WHERE image_id = ?`, string(id)).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
