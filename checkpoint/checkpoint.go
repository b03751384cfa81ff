// Package checkpoint records which images finished extraction and which
// pairs finished matching, so an interrupted run resumes without
// recomputation.
//
// Extraction progress is a plain text log (one ImageID per line). Match
// progress is a SQLite table. Both can be inspected by another process while
// the pipeline runs. The stores themselves are the ground truth: Load unions
// their contents with the logs, tolerating a crash between a store flush and
// a log write.
package checkpoint

import (
	"bufio"
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"scenefinder/database"
	"scenefinder/logging"
	"scenefinder/types"
)

const (
	// ExtractedLogName is the file name of the extraction progress log.
	ExtractedLogName = "extracted.log"
	// ProgressDBName is the file name of the match progress table.
	ProgressDBName = "progress.db"
)

const progressSchema = `
CREATE TABLE IF NOT EXISTS matched_pairs (
	image1 TEXT NOT NULL,
	image2 TEXT NOT NULL,
	PRIMARY KEY (image1, image2)
);`

// KeySource lists the ImageIDs that have a stored feature record.
type KeySource interface {
	ListKeys() iter.Seq2[types.ImageID, error]
}

// PairSource lists the pairs that have a stored match record.
type PairSource interface {
	Pairs() iter.Seq2[types.Pair, error]
}

// State summarizes loaded progress.
type State struct {
	Extracted int
	Matched   int
}

// Checkpoint is the durable progress marker. Record calls are buffered and
// idempotent; Flush makes them durable. Safe for concurrent use.
type Checkpoint struct {
	dir string

	mu        sync.Mutex
	log       *os.File
	db        *sql.DB
	extracted map[types.ImageID]struct{}
	matched   map[types.Pair]struct{}
	closed    bool

	pendingExtracted []types.ImageID
	pendingMatched   []types.Pair
}

// Open opens or creates the checkpoint files under dir. Call Load before use.
func Open(dir string) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &database.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	logPath := filepath.Join(dir, ExtractedLogName)
	if err := trimTornTail(logPath); err != nil {
		return nil, &database.StorageError{Op: "repair", Path: logPath, Err: err}
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &database.StorageError{Op: "open", Path: logPath, Err: err}
	}

	db, err := database.InitDatabase(filepath.Join(dir, ProgressDBName), progressSchema)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Checkpoint{
		dir:       dir,
		log:       f,
		db:        db,
		extracted: make(map[types.ImageID]struct{}),
		matched:   make(map[types.Pair]struct{}),
	}, nil
}

// Load reconstructs state from the stores and the progress logs. Either
// source may be nil.
func (c *Checkpoint) Load(features KeySource, matches PairSource) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if features != nil {
		for id, err := range features.ListKeys() {
			if err != nil {
				return State{}, fmt.Errorf("seed extracted from feature store: %w", err)
			}
			c.extracted[id] = struct{}{}
		}
	}
	ids, err := readLog(filepath.Join(c.dir, ExtractedLogName))
	if err != nil {
		return State{}, &database.StorageError{Op: "read", Path: ExtractedLogName, Err: err}
	}
	for _, id := range ids {
		c.extracted[id] = struct{}{}
	}

	if matches != nil {
		for p, err := range matches.Pairs() {
			if err != nil {
				return State{}, fmt.Errorf("seed matched from match store: %w", err)
			}
			c.matched[p.Canonical()] = struct{}{}
		}
	}
	rows, err := c.db.Query(`SELECT image1, image2 FROM matched_pairs`)
	if err != nil {
		return State{}, &database.StorageError{Op: "query", Path: ProgressDBName, Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return State{}, &database.StorageError{Op: "scan", Path: ProgressDBName, Err: err}
		}
		c.matched[types.NewPair(types.ImageID(a), types.ImageID(b))] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return State{}, &database.StorageError{Op: "scan", Path: ProgressDBName, Err: err}
	}

	state := State{Extracted: len(c.extracted), Matched: len(c.matched)}
	logging.DebugLog("Checkpoint loaded: %d extracted, %d matched", state.Extracted, state.Matched)
	return state, nil
}

// RecordExtracted marks id as extracted. Recording it twice is a no-op.
func (c *Checkpoint) RecordExtracted(id types.ImageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.extracted[id]; ok {
		return
	}
	c.extracted[id] = struct{}{}
	c.pendingExtracted = append(c.pendingExtracted, id)
}

// RecordMatched marks p as matched. Recording it twice is a no-op.
func (c *Checkpoint) RecordMatched(p types.Pair) {
	p = p.Canonical()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.matched[p]; ok {
		return
	}
	c.matched[p] = struct{}{}
	c.pendingMatched = append(c.pendingMatched, p)
}

// IsExtracted reports whether id has been recorded as extracted.
func (c *Checkpoint) IsExtracted(id types.ImageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.extracted[id]
	return ok
}

// IsMatched reports whether p has been recorded as matched.
func (c *Checkpoint) IsMatched(p types.Pair) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.matched[p.Canonical()]
	return ok
}

// RemainingImages returns the members of all not yet extracted, preserving order.
func (c *Checkpoint) RemainingImages(all []types.ImageID) []types.ImageID {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := make([]types.ImageID, 0, len(all))
	for _, id := range all {
		if _, ok := c.extracted[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// RemainingPairs lazily filters out pairs already matched.
func (c *Checkpoint) RemainingPairs(seq iter.Seq[types.Pair]) iter.Seq[types.Pair] {
	return func(yield func(types.Pair) bool) {
		for p := range seq {
			if c.IsMatched(p) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Counts returns the number of extracted images and matched pairs.
func (c *Checkpoint) Counts() (extracted, matched int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.extracted), len(c.matched)
}

// Flush makes all recorded progress durable.
func (c *Checkpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Checkpoint) flushLocked() error {
	if len(c.pendingExtracted) > 0 {
		var buf bytes.Buffer
		for _, id := range c.pendingExtracted {
			buf.WriteString(string(id))
			buf.WriteByte('\n')
		}
		if _, err := c.log.Write(buf.Bytes()); err != nil {
			return &database.StorageError{Op: "write", Path: ExtractedLogName, Err: err}
		}
		if err := c.log.Sync(); err != nil {
			return &database.StorageError{Op: "sync", Path: ExtractedLogName, Err: err}
		}
		c.pendingExtracted = c.pendingExtracted[:0]
	}

	if len(c.pendingMatched) > 0 {
		if err := c.insertMatched(c.pendingMatched); err != nil {
			return err
		}
		c.pendingMatched = c.pendingMatched[:0]
	}
	return nil
}

func (c *Checkpoint) insertMatched(pairs []types.Pair) error {
	tx, err := c.db.Begin()
	if err != nil {
		return &database.StorageError{Op: "begin", Path: ProgressDBName, Err: err}
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO matched_pairs (image1, image2) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return &database.StorageError{Op: "prepare", Path: ProgressDBName, Err: err}
	}
	defer stmt.Close()
	for _, p := range pairs {
		if _, err := stmt.Exec(string(p.A), string(p.B)); err != nil {
			tx.Rollback()
			return &database.StorageError{Op: "insert", Path: ProgressDBName, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &database.StorageError{Op: "commit", Path: ProgressDBName, Err: err}
	}
	return nil
}

// Forget clears match progress for pairs so the next run attempts them again.
func (c *Checkpoint) Forget(pairs []types.Pair) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.flushLocked(); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return &database.StorageError{Op: "begin", Path: ProgressDBName, Err: err}
	}
	for _, p := range pairs {
		p = p.Canonical()
		if _, err := tx.Exec(`DELETE FROM matched_pairs WHERE image1 = ? AND image2 = ?`, string(p.A), string(p.B)); err != nil {
			tx.Rollback()
			return &database.StorageError{Op: "delete", Path: ProgressDBName, Err: err}
		}
		delete(c.matched, p)
	}
	if err := tx.Commit(); err != nil {
		return &database.StorageError{Op: "commit", Path: ProgressDBName, Err: err}
	}
	return nil
}

// Close flushes and releases the checkpoint files.
func (c *Checkpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	err := c.flushLocked()
	if cerr := c.log.Close(); err == nil && cerr != nil {
		err = &database.StorageError{Op: "close", Path: ExtractedLogName, Err: cerr}
	}
	if cerr := c.db.Close(); err == nil && cerr != nil {
		err = &database.StorageError{Op: "close", Path: ProgressDBName, Err: cerr}
	}
	return err
}

// Inspect reads progress counts from dir without loading the stores. It is
// meant for a separate process watching a running pipeline.
func Inspect(dir string) (State, error) {
	var state State

	ids, err := readLog(filepath.Join(dir, ExtractedLogName))
	if err != nil {
		return state, err
	}
	seen := make(map[types.ImageID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	state.Extracted = len(seen)

	dbPath := filepath.Join(dir, ProgressDBName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return state, nil
	}
	db, err := database.OpenDatabase(dbPath)
	if err != nil {
		return state, err
	}
	defer db.Close()
	if err := db.QueryRow(`SELECT COUNT(*) FROM matched_pairs`).Scan(&state.Matched); err != nil {
		return state, fmt.Errorf("count matched pairs: %w", err)
	}
	return state, nil
}

// readLog returns the ImageIDs in the log. A missing file is empty; a final
// line without a newline is a torn write and is ignored.
func readLog(path string) ([]types.ImageID, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []types.ImageID
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line = line[:len(line)-1]
		if line != "" {
			ids = append(ids, types.ImageID(line))
		}
	}
	return ids, nil
}

// trimTornTail truncates a partially written last line so new appends start
// on a line boundary.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	logging.LogWarning("Truncating torn checkpoint line in %s (%d bytes)", path, len(data)-keep)
	return os.Truncate(path, int64(keep))
}
