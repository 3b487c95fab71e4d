package entrystore

import (
	"context"
	"database/sql"
	"io"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a Store backed by a sqlite database. Entries are rows with a
// generation id; dooming flags the row so new opens miss it while open
// handles keep reading, and the rows are reclaimed when the handle closes.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite creates a store with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLite(filename string) *SQLite {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		doomed INTEGER NOT NULL DEFAULT 0,
		sparse INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS streams (
		entry_id INTEGER NOT NULL,
		stream INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (entry_id, stream)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sparse_runs (
		entry_id INTEGER NOT NULL,
		start INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (entry_id, start)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLite) OpenEntry(ctx context.Context, key string) (Entry, error) {
	var id int64
	var sparse bool
	err := s.db.QueryRowContext(ctx,
		"SELECT id, sparse FROM entries WHERE key = ? AND doomed = 0", key).
		Scan(&id, &sparse)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sqliteEntry{store: s, id: id, key: key, sparse: sparse}, nil
}

func (s *SQLite) CreateEntry(ctx context.Context, key string) (Entry, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var existing int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM entries WHERE key = ? AND doomed = 0", key).Scan(&existing)
	if err == nil {
		return nil, ErrConflict
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, "INSERT INTO entries (key) VALUES (?)", key)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &sqliteEntry{store: s, id: id, key: key}, nil
}

func (s *SQLite) DoomEntry(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// No handle will reclaim an entry doomed by key, so drop it outright.
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM entries WHERE key = ? AND doomed = 0", key)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, 1)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := s.purge(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) purge(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM streams WHERE entry_id = ?", id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sparse_runs WHERE entry_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// EntryCount returns the number of live entries, for diagnostics and tests.
func (s *SQLite) EntryCount() int {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE doomed = 0").Scan(&n); err != nil {
		return 0
	}
	return n
}

type sqliteEntry struct {
	store  *SQLite
	id     int64
	key    string
	sparse bool
	doomed bool
	mu     sync.Mutex
}

func (e *sqliteEntry) Key() string { return e.key }

func (e *sqliteEntry) DataSize(stream int) int64 {
	if e.Sparse() && stream == BodyStream {
		var size sql.NullInt64
		err := e.store.db.QueryRow(
			"SELECT MAX(start + length(data)) FROM sparse_runs WHERE entry_id = ?", e.id).
			Scan(&size)
		if err != nil || !size.Valid {
			return 0
		}
		return size.Int64
	}
	var size sql.NullInt64
	err := e.store.db.QueryRow(
		"SELECT length(data) FROM streams WHERE entry_id = ? AND stream = ?", e.id, stream).
		Scan(&size)
	if err != nil || !size.Valid {
		return 0
	}
	return size.Int64
}

func (e *sqliteEntry) ReadData(ctx context.Context, stream int, off int64, p []byte) (int, error) {
	var data []byte
	err := e.store.db.QueryRowContext(ctx,
		"SELECT data FROM streams WHERE entry_id = ? AND stream = ?", e.id, stream).
		Scan(&data)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if off >= int64(len(data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	return copy(p, data[off:]), nil
}

func (e *sqliteEntry) WriteData(ctx context.Context, stream int, off int64, p []byte, truncate bool) (int, error) {
	e.store.writeMutex.Lock()
	defer e.store.writeMutex.Unlock()
	var data []byte
	err := e.store.db.QueryRowContext(ctx,
		"SELECT data FROM streams WHERE entry_id = ? AND stream = ?", e.id, stream).
		Scan(&data)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	end := off + int64(len(p))
	if int64(len(data)) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], p)
	if truncate {
		data = data[:end]
	}
	_, err = e.store.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO streams (entry_id, stream, data) VALUES (?, ?, ?)",
		e.id, stream, data)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *sqliteEntry) loadRuns(ctx context.Context) ([]run, error) {
	rows, err := e.store.db.QueryContext(ctx,
		"SELECT start, data FROM sparse_runs WHERE entry_id = ? ORDER BY start", e.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []run
	for rows.Next() {
		var r run
		if err := rows.Scan(&r.start, &r.data); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (e *sqliteEntry) ReadSparse(ctx context.Context, off int64, p []byte) (int, error) {
	if !e.Sparse() {
		return 0, ErrNotSparse
	}
	runs, err := e.loadRuns(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if r.start <= off && off < r.end() {
			return copy(p, r.data[off-r.start:]), nil
		}
	}
	return 0, nil
}

func (e *sqliteEntry) WriteSparse(ctx context.Context, off int64, p []byte) (int, error) {
	e.store.writeMutex.Lock()
	defer e.store.writeMutex.Unlock()
	if !e.Sparse() {
		if e.DataSize(BodyStream) > 0 {
			return 0, ErrNotSparse
		}
		if _, err := e.store.db.ExecContext(ctx,
			"UPDATE entries SET sparse = 1 WHERE id = ?", e.id); err != nil {
			return 0, err
		}
		e.mu.Lock()
		e.sparse = true
		e.mu.Unlock()
	}
	if len(p) == 0 {
		return 0, nil
	}
	runs, err := e.loadRuns(ctx)
	if err != nil {
		return 0, err
	}
	merged := insertRun(runs, run{start: off, data: append([]byte(nil), p...)})
	if _, err := e.store.db.ExecContext(ctx,
		"DELETE FROM sparse_runs WHERE entry_id = ?", e.id); err != nil {
		return 0, err
	}
	for _, r := range merged {
		if _, err := e.store.db.ExecContext(ctx,
			"INSERT INTO sparse_runs (entry_id, start, data) VALUES (?, ?, ?)",
			e.id, r.start, r.data); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (e *sqliteEntry) AvailableRange(ctx context.Context, off, max int64) (int64, int64, error) {
	if !e.Sparse() {
		return off, 0, ErrNotSparse
	}
	runs, err := e.loadRuns(ctx)
	if err != nil {
		return 0, 0, err
	}
	return availableRange(runs, off, max)
}

func (e *sqliteEntry) Sparse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sparse
}

func (e *sqliteEntry) Doom() {
	e.mu.Lock()
	e.doomed = true
	e.mu.Unlock()
	e.store.writeMutex.Lock()
	defer e.store.writeMutex.Unlock()
	_, _ = e.store.db.Exec("UPDATE entries SET doomed = 1 WHERE id = ?", e.id)
}

func (e *sqliteEntry) Close() {
	e.mu.Lock()
	doomed := e.doomed
	e.mu.Unlock()
	if doomed {
		e.store.writeMutex.Lock()
		defer e.store.writeMutex.Unlock()
		_ = e.store.purge(context.Background(), e.id)
	}
}
