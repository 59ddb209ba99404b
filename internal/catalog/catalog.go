// Package catalog keeps the project-level bookkeeping that does not belong in
// a fragment: per-file content hashes for change detection, the registry of
// attached dependency fragments, metadata such as the scripts hash, and a
// history of index runs. It is a small SQLite database next to the fragment.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Catalog wraps a SQLite database connection.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog at path and enables WAL mode and
// foreign keys. Call Migrate before use.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping %s: %w", path, err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB returns the underlying connection.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Migrate creates every table and index if absent.
func (c *Catalog) Migrate() error {
	if _, err := c.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  path       TEXT PRIMARY KEY,
  language   TEXT NOT NULL,
  hash       TEXT NOT NULL,
  size       INTEGER NOT NULL DEFAULT 0,
  indexed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fragments (
  id          TEXT PRIMARY KEY,
  path        TEXT NOT NULL UNIQUE,
  attached_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS index_runs (
  id          INTEGER PRIMARY KEY,
  kind        TEXT NOT NULL,
  started_at  DATETIME NOT NULL,
  finished_at DATETIME,
  files       INTEGER NOT NULL DEFAULT 0,
  errors      INTEGER NOT NULL DEFAULT 0,
  error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_language ON files(language);
CREATE INDEX IF NOT EXISTS idx_index_runs_started ON index_runs(started_at);
`

// Metadata keys used by the engine.
const (
	KeyFormatVersion = "format_version"
	KeyScriptsHash   = "scripts_hash"
	KeyLastRebuild   = "last_rebuild"
)

// ContentHash returns the hex xxhash of data, the value stored in
// FileEntry.Hash.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// =============================================================================
// Metadata
// =============================================================================

// GetMetadata returns the value stored under key, or "" if there is none.
func (c *Catalog) GetMetadata(key string) (string, error) {
	var value string
	err := c.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores value under key, replacing any previous value.
func (c *Catalog) SetMetadata(key, value string) error {
	_, err := c.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("catalog: set metadata %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// Files
// =============================================================================

// FileEntry records what was last indexed for a source path.
type FileEntry struct {
	Path      string
	Language  string
	Hash      string
	Size      int64
	IndexedAt time.Time
}

// FileByPath returns the entry for path, or nil if the path is unknown.
func (c *Catalog) FileByPath(path string) (*FileEntry, error) {
	f := &FileEntry{}
	err := c.db.QueryRow(
		"SELECT path, language, hash, size, indexed_at FROM files WHERE path = ?", path,
	).Scan(&f.Path, &f.Language, &f.Hash, &f.Size, &f.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: file by path: %w", err)
	}
	return f, nil
}

// Unchanged reports whether path was last indexed with content hash.
func (c *Catalog) Unchanged(path, hash string) (bool, error) {
	f, err := c.FileByPath(path)
	if err != nil || f == nil {
		return false, err
	}
	return f.Hash == hash, nil
}

// PutFile inserts or replaces the entry for f.Path.
func (c *Catalog) PutFile(f *FileEntry) error {
	_, err := c.db.Exec(
		`INSERT INTO files (path, language, hash, size, indexed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET language = excluded.language, hash = excluded.hash,
		   size = excluded.size, indexed_at = excluded.indexed_at`,
		f.Path, f.Language, f.Hash, f.Size, f.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: put file %s: %w", f.Path, err)
	}
	return nil
}

// DeleteFile forgets path. Unknown paths are not an error.
func (c *Catalog) DeleteFile(path string) error {
	if _, err := c.db.Exec("DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("catalog: delete file %s: %w", path, err)
	}
	return nil
}

// Files returns every entry ordered by path.
func (c *Catalog) Files() ([]*FileEntry, error) {
	rows, err := c.db.Query("SELECT path, language, hash, size, indexed_at FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("catalog: files: %w", err)
	}
	defer rows.Close()
	var files []*FileEntry
	for rows.Next() {
		f := &FileEntry{}
		if err := rows.Scan(&f.Path, &f.Language, &f.Hash, &f.Size, &f.IndexedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ClearFiles forgets every file, forcing the next index run to extract all
// of them.
func (c *Catalog) ClearFiles() error {
	if _, err := c.db.Exec("DELETE FROM files"); err != nil {
		return fmt.Errorf("catalog: clear files: %w", err)
	}
	return nil
}

// =============================================================================
// Fragments
// =============================================================================

// FragmentEntry is an attached read-only dependency fragment.
type FragmentEntry struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	AttachedAt time.Time `json:"attached_at"`
}

// AddFragment registers a dependency fragment. Registering an id twice
// replaces its path.
func (c *Catalog) AddFragment(f *FragmentEntry) error {
	_, err := c.db.Exec(
		`INSERT INTO fragments (id, path, attached_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET path = excluded.path, attached_at = excluded.attached_at`,
		f.ID, f.Path, f.AttachedAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: add fragment %s: %w", f.ID, err)
	}
	return nil
}

// RemoveFragment unregisters id and reports whether it was registered.
func (c *Catalog) RemoveFragment(id string) (bool, error) {
	res, err := c.db.Exec("DELETE FROM fragments WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("catalog: remove fragment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("catalog: rows affected: %w", err)
	}
	return n > 0, nil
}

// Fragments returns the registered fragments in attach order.
func (c *Catalog) Fragments() ([]*FragmentEntry, error) {
	rows, err := c.db.Query("SELECT id, path, attached_at FROM fragments ORDER BY attached_at, id")
	if err != nil {
		return nil, fmt.Errorf("catalog: fragments: %w", err)
	}
	defer rows.Close()
	var out []*FragmentEntry
	for rows.Next() {
		f := &FragmentEntry{}
		if err := rows.Scan(&f.ID, &f.Path, &f.AttachedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan fragment: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// Runs
// =============================================================================

// Run kinds.
const (
	RunIndex   = "index"
	RunRebuild = "rebuild"
	RunCompact = "compact"
)

// Run is one recorded index run.
type Run struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Files      int        `json:"files"`
	Errors     int        `json:"errors"`
	Error      string     `json:"error,omitempty"`
}

// BeginRun records the start of a run and returns its id.
func (c *Catalog) BeginRun(kind string, started time.Time) (int64, error) {
	res, err := c.db.Exec("INSERT INTO index_runs (kind, started_at) VALUES (?, ?)", kind, started)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: last insert id: %w", err)
	}
	return id, nil
}

// FinishRun completes run id. A nil runErr records success.
func (c *Catalog) FinishRun(id int64, finished time.Time, files, errCount int, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := c.db.Exec(
		"UPDATE index_runs SET finished_at = ?, files = ?, errors = ?, error = ? WHERE id = ?",
		finished, files, errCount, msg, id,
	)
	if err != nil {
		return fmt.Errorf("catalog: finish run %d: %w", id, err)
	}
	return nil
}

// Runs returns up to limit runs, most recent first.
func (c *Catalog) Runs(limit int) ([]*Run, error) {
	rows, err := c.db.Query(
		"SELECT id, kind, started_at, finished_at, files, errors, error FROM index_runs ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r := &Run{}
		var finished sql.NullTime
		var msg sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.StartedAt, &finished, &r.Files, &r.Errors, &msg); err != nil {
			return nil, fmt.Errorf("catalog: scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
