package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned after Close or Discard.
	ErrClosed = errors.New("index: closed")
	// ErrCorrupt is returned when the index contradicts the mirror.
	ErrCorrupt = errors.New("index: corrupt")
)

// State is the lifecycle state of the index.
type State int32

const (
	Warming State = iota
	Ready
	Rebuilding
	Corrupt
	Closed
)

func (s State) String() string {
	switch s {
	case Warming:
		return "warming"
	case Ready:
		return "ready"
	case Rebuilding:
		return "rebuilding"
	case Corrupt:
		return "corrupt"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Options configures an Index.
type Options struct {
	// MaxOpenConns bounds the connection pool. Defaults to 4.
	MaxOpenConns int
	Logger       *slog.Logger
}

// Index is safe for concurrent use. Writes are serialized.
type Index struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu sync.RWMutex // guards db against Reset/Close
	db *sql.DB

	writeMu sync.Mutex
	state   atomic.Int32
}

// Open opens or creates the index database at path. The index starts in the
// Warming state.
func Open(path string, opts Options) (*Index, error) {
	if err := registerFunctions(); err != nil {
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ix := &Index{path: path, opts: opts, logger: opts.Logger}
	db, err := ix.openDB()
	if err != nil {
		return nil, err
	}
	ix.db = db
	ix.state.Store(int32(Warming))
	return ix, nil
}

// dsn applies the pragmas to every pooled connection.
func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (ix *Index) openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(ix.path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(ix.opts.MaxOpenConns)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	for _, stmt := range schemaDDL {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO meta(key, value) VALUES (?, ?)`, metaSchemaVersion, SchemaVersion)
	return err
}

// Path returns the database path.
func (ix *Index) Path() string { return ix.path }

// State returns the lifecycle state.
func (ix *Index) State() State { return State(ix.state.Load()) }

// SetState transitions the lifecycle state.
func (ix *Index) SetState(s State) {
	prev := State(ix.state.Swap(int32(s)))
	if prev != s {
		ix.logger.Info("index state changed", "from", prev.String(), "to", s.String())
	}
}

// MarkCorrupt flags the index as inconsistent with the mirror.
func (ix *Index) MarkCorrupt(reason string) {
	if ix.State() != Corrupt {
		ix.logger.Warn("index marked corrupt", "reason", reason)
	}
	ix.SetState(Corrupt)
}

// conn returns the database under a read lock. The caller must call the
// returned release func.
func (ix *Index) conn() (*sql.DB, func(), error) {
	ix.mu.RLock()
	if ix.db == nil {
		ix.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return ix.db, ix.mu.RUnlock, nil
}

// Check validates the database: integrity, schema version and the mirror
// generation it was built from. It returns a non-empty reason when the index
// must be rebuilt.
func (ix *Index) Check(ctx context.Context, mirrorGeneration uint64) (string, error) {
	db, release, err := ix.conn()
	if err != nil {
		return "", err
	}
	defer release()

	var res string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&res); err != nil {
		return "integrity check failed: " + err.Error(), nil
	}
	if res != "ok" {
		return "integrity check: " + res, nil
	}
	version, err := getMeta(ctx, db, metaSchemaVersion)
	if err != nil {
		return "", err
	}
	if version != SchemaVersion {
		return fmt.Sprintf("schema version %q, want %q", version, SchemaVersion), nil
	}
	gen, err := getMeta(ctx, db, metaGeneration)
	if err != nil {
		return "", err
	}
	if gen == "" {
		return "index was never populated", nil
	}
	if gen != strconv.FormatUint(mirrorGeneration, 10) {
		return fmt.Sprintf("generation %s, mirror at %d", gen, mirrorGeneration), nil
	}
	return "", nil
}

// Generation returns the mirror generation recorded by the last commit.
func (ix *Index) Generation(ctx context.Context) (uint64, error) {
	db, release, err := ix.conn()
	if err != nil {
		return 0, err
	}
	defer release()
	v, err := getMeta(ctx, db, metaGeneration)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// SetGeneration records the mirror generation outside a write.
func (ix *Index) SetGeneration(ctx context.Context, gen uint64) error {
	return ix.Write(ctx, func(tx *Tx) error {
		return tx.SetGeneration(ctx, gen)
	})
}

func getMeta(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Reset deletes the database files and recreates an empty schema. Ongoing
// readers finish first.
func (ix *Index) Reset() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.db != nil {
		_ = ix.db.Close()
		ix.db = nil
	}
	if err := removeFiles(ix.path); err != nil {
		return err
	}
	db, err := ix.openDB()
	if err != nil {
		return err
	}
	ix.db = db
	return nil
}

// Close closes the database and keeps its files.
func (ix *Index) Close() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.state.Store(int32(Closed))
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Discard closes the database and deletes its files.
func (ix *Index) Discard() error {
	if err := ix.Close(); err != nil {
		return err
	}
	return removeFiles(ix.path)
}

func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Stats are row counts.
type Stats struct {
	Compounds int64
	Molecules int64
	Atoms     int64
	Edges     int64
}

// Stats returns row counts.
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	db, release, err := ix.conn()
	if err != nil {
		return Stats{}, err
	}
	defer release()
	var s Stats
	err = db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM compounds),
		(SELECT COUNT(*) FROM molecules),
		(SELECT COUNT(*) FROM atoms),
		(SELECT COUNT(*) FROM molecule_atoms)`).Scan(&s.Compounds, &s.Molecules, &s.Atoms, &s.Edges)
	return s, err
}
