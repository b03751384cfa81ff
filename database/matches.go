package database

import (
	"database/sql"
	"iter"
	"sync"
	"time"

	"scenefinder/types"
)

const matchesSchema = `
CREATE TABLE IF NOT EXISTS matches (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	image1 TEXT NOT NULL,
	image2 TEXT NOT NULL,
	matches INTEGER NOT NULL,
	confidence REAL NOT NULL,
	valid INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(image1, image2)
);
CREATE INDEX IF NOT EXISTS idx_matches_valid ON matches(valid);`

// MatchStore is the append-only record of every attempted pair.
//
// Records are buffered by Append and written by Flush in one transaction.
// The first record written for a pair wins; later appends for the same pair
// are ignored, so re-runs never duplicate records. Thresholds are never
// applied here.
type MatchStore struct {
	path string

	mu      sync.Mutex
	db      *sql.DB
	pending []types.MatchRecord
	closed  bool
}

// OpenMatchStore opens or creates the match store at path.
func OpenMatchStore(path string) (*MatchStore, error) {
	db, err := InitDatabase(path, matchesSchema)
	if err != nil {
		return nil, err
	}
	return &MatchStore{path: path, db: db}, nil
}

// Path returns the backing file path.
func (s *MatchStore) Path() string { return s.path }

// Append buffers records for the next Flush.
func (s *MatchStore) Append(records []types.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, r := range records {
		c := r.Pair()
		r.Image1, r.Image2 = c.A, c.B
		s.pending = append(s.pending, r)
	}
	return nil
}

// Pending returns the number of buffered records.
func (s *MatchStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes buffered records durably.
func (s *MatchStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *MatchStore) flushLocked() error {
	if s.closed || len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin", s.path, err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO matches (image1, image2, matches, confidence, valid, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return storageErr("prepare", s.path, err)
	}
	defer stmt.Close()

	now := time.Now().Format(time.RFC3339)
	for _, r := range s.pending {
		if _, err := stmt.Exec(string(r.Image1), string(r.Image2), r.Matches, r.Confidence, r.Valid, now); err != nil {
			tx.Rollback()
			return storageErr("insert", s.path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", s.path, err)
	}
	s.pending = s.pending[:0]
	return nil
}

// LoadAll lazily yields every durable record in append order.
func (s *MatchStore) LoadAll() iter.Seq2[types.MatchRecord, error] {
	return func(yield func(types.MatchRecord, error) bool) {
		rows, err := s.query(`SELECT image1, image2, matches, confidence, valid FROM matches ORDER BY seq`)
		if err != nil {
			yield(types.MatchRecord{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r     types.MatchRecord
				a, b  string
				valid bool
			)
			if err := rows.Scan(&a, &b, &r.Matches, &r.Confidence, &valid); err != nil {
				yield(types.MatchRecord{}, storageErr("scan", s.path, err))
				return
			}
			r.Image1, r.Image2, r.Valid = types.ImageID(a), types.ImageID(b), valid
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(types.MatchRecord{}, storageErr("scan", s.path, err))
		}
	}
}

// Pairs lazily yields the pair of every durable record.
func (s *MatchStore) Pairs() iter.Seq2[types.Pair, error] {
	return func(yield func(types.Pair, error) bool) {
		for r, err := range s.LoadAll() {
			if err != nil {
				yield(types.Pair{}, err)
				return
			}
			if !yield(r.Pair(), nil) {
				return
			}
		}
	}
}

// Counts returns the number of durable records and how many are valid.
func (s *MatchStore) Counts() (total, valid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrClosed
	}
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(valid), 0) FROM matches`).Scan(&total, &valid)
	if err != nil {
		return 0, 0, storageErr("count", s.path, err)
	}
	return total, valid, nil
}

// InvalidPairs returns the pairs of every invalid record.
func (s *MatchStore) InvalidPairs() ([]types.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return s.invalidPairsLocked()
}

func (s *MatchStore) invalidPairsLocked() ([]types.Pair, error) {
	rows, err := s.db.Query(`SELECT image1, image2 FROM matches WHERE valid = 0 ORDER BY seq`)
	if err != nil {
		return nil, storageErr("query", s.path, err)
	}
	defer rows.Close()

	var out []types.Pair
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, storageErr("scan", s.path, err)
		}
		out = append(out, types.NewPair(types.ImageID(a), types.ImageID(b)))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan", s.path, err)
	}
	return out, nil
}

// DeleteInvalid removes every invalid record and returns their pairs. It is
// a maintenance operation for use between runs, never during matching.
func (s *MatchStore) DeleteInvalid() ([]types.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return nil, err
	}

	removed, err := s.invalidPairsLocked()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM matches WHERE valid = 0`); err != nil {
		return nil, storageErr("delete", s.path, err)
	}
	return removed, nil
}

// Close flushes and closes the store.
func (s *MatchStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked()
	if cerr := s.db.Close(); err == nil && cerr != nil {
		err = storageErr("close", s.path, cerr)
	}
	s.closed = true
	return err
}

func (s *MatchStore) query(q string) (*sql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, storageErr("query", s.path, err)
	}
	return rows, nil
}
