// Package cache implements the persistent compile cache: validated DPB
// containers keyed by content hash, stored in SQLite alongside their CBOR
// metadata envelopes so listings never decode full containers.
package cache

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/driftlabs/drift/vm"
	"github.com/driftlabs/drift/wire"
)

var log = commonlog.GetLogger("drift.cache")

// ErrNotFound indicates the requested program is not in the cache.
var ErrNotFound = errors.New("program not found in cache")

// Cache stores compiled programs in a SQLite database. Entries are keyed
// by the hex form of the container content hash, so the cache inherits the
// container's integrity guarantee: a stored entry whose bytes rot fails
// hash validation on load.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the cache database at path. Parent
// directories are created.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		hash TEXT PRIMARY KEY,
		meta BLOB NOT NULL,
		dpb BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating programs table: %w", err)
	}

	log.Debugf("opened cache at %s", path)
	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put validates container bytes and stores them under their content hash,
// returning the metadata envelope. Invalid containers are rejected before
// anything touches the database.
func (c *Cache) Put(data []byte) (*wire.ProgramMeta, error) {
	p, err := vm.LoadProgram(data)
	if err != nil {
		return nil, fmt.Errorf("validating program: %w", err)
	}

	now := time.Now().UTC()
	meta := wire.NewProgramMeta(p, now)
	blob, err := wire.MarshalProgramMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding program meta: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO programs (hash, meta, dpb, created_at) VALUES (?, ?, ?, ?)",
		Key(p.Hash()), blob, data, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("storing program: %w", err)
	}

	log.Debugf("cached %s (%d bytes)", Key(p.Hash()), len(data))
	return meta, nil
}

// Get returns the container bytes for the given hash.
func (c *Cache) Get(hash [32]byte) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow("SELECT dpb FROM programs WHERE hash = ?", Key(hash)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying program: %w", err)
	}
	return data, nil
}

// Meta returns the metadata envelope for the given hash without touching
// the container bytes.
func (c *Cache) Meta(hash [32]byte) (*wire.ProgramMeta, error) {
	var blob []byte
	err := c.db.QueryRow("SELECT meta FROM programs WHERE hash = ?", Key(hash)).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying program meta: %w", err)
	}
	return wire.UnmarshalProgramMeta(blob)
}

// Has reports whether a program with the given hash is cached.
func (c *Cache) Has(hash [32]byte) (bool, error) {
	var one int
	err := c.db.QueryRow("SELECT 1 FROM programs WHERE hash = ?", Key(hash)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying program: %w", err)
	}
	return true, nil
}

// List returns the metadata of every cached program, ordered by hash for
// deterministic output.
func (c *Cache) List() ([]*wire.ProgramMeta, error) {
	rows, err := c.db.Query("SELECT meta FROM programs ORDER BY hash")
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var metas []*wire.ProgramMeta
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning program meta: %w", err)
		}
		m, err := wire.UnmarshalProgramMeta(blob)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes the program with the given hash. Deleting a missing entry
// returns ErrNotFound.
func (c *Cache) Delete(hash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec("DELETE FROM programs WHERE hash = ?", Key(hash))
	if err != nil {
		return fmt.Errorf("deleting program: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes every program cached before the given time, returning how
// many entries were removed.
func (c *Cache) Prune(before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec("DELETE FROM programs WHERE created_at < ?", before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning programs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("pruned %d cached programs", n)
	}
	return n, nil
}

// Count returns the number of cached programs.
func (c *Cache) Count() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM programs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting programs: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Hash keys
// ---------------------------------------------------------------------------

// Key renders a content hash as the lowercase hex string used for cache
// keys.
func Key(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// ParseKey parses a full 64-character hex cache key back into a hash.
func ParseKey(s string) ([32]byte, error) {
	var hash [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return hash, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	if len(b) != len(hash) {
		return hash, fmt.Errorf("invalid cache key %q: got %d bytes, want %d", s, len(b), len(hash))
	}
	copy(hash[:], b)
	return hash, nil
}
