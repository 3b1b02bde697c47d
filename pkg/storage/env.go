package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getdozer/dozer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// SyncMode controls how aggressively the envelope flushes committed
// transactions to disk, mirroring the durability knobs of an LMDB-class
// engine (§4.1).
type SyncMode int

const (
	SyncFsync SyncMode = iota // fsync every commit (default, safest)
	SyncAsync                 // fsync every commit, but not when the file grows (bbolt NoGrowSync)
	SyncNone                  // never explicitly flush; caller owns durability
)

// Options configures an Env, per §4.1.
type Options struct {
	MapSize    int64 // advisory; bbolt grows the file as needed
	MaxReaders int
	MaxDBs     int
	Sync       SyncMode
	Path       string
	Timeout    time.Duration
}

// formatVersion is prepended to every stored value. A value read back with
// a different version byte indicates an incompatible on-disk format and
// fails loudly rather than silently misinterpreting bytes.
const formatVersion byte = 1

// Env wraps a single memory-mapped B+tree file with copy-on-write
// transactions and a single writer, the storage envelope described in
// §4.1. The concrete engine is bbolt; Env only ever exposes the smaller
// vocabulary the rest of Dozer needs (typed sub-databases, RO/RW
// transactions, bounded cursors), not bbolt's full API.
type Env struct {
	db   *bolt.DB
	opts Options
}

// Create opens path, creating the file and its parent directory if they do
// not already exist.
func Create(path string, opts Options) (*Env, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &types.StorageError{Kind: "io", Err: fmt.Errorf("creating data directory: %w", err)}
	}
	return open(path, opts)
}

// Open opens an existing envelope file; it does not create one.
func Open(path string, opts Options) (*Env, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &types.StorageError{Kind: "io", Err: fmt.Errorf("opening %s: %w", path, err)}
	}
	return open(path, opts)
}

func open(path string, opts Options) (*Env, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	boltOpts := &bolt.Options{
		Timeout:      timeout,
		NoSync:       opts.Sync == SyncNone,
		NoGrowSync:   opts.Sync != SyncFsync,
		FreelistType: bolt.FreelistMapType,
	}
	db, err := bolt.Open(path, 0o600, boltOpts)
	if err != nil {
		return nil, &types.StorageError{Kind: "io", Err: fmt.Errorf("opening envelope %s: %w", path, err)}
	}
	opts.Path = path
	return &Env{db: db, opts: opts}, nil
}

// Close releases the envelope's file handle and memory map.
func (e *Env) Close() error {
	if err := e.db.Close(); err != nil {
		return &types.StorageError{Kind: "io", Err: err}
	}
	return nil
}

// Path returns the on-disk path this envelope was opened from.
func (e *Env) Path() string { return e.opts.Path }

// DbHandle names one typed sub-database within the envelope. Sub-databases
// are bbolt buckets; DupKeys is only recorded on the handle. Buckets are
// single-value-per-key and Put overwrites whatever DupKeys says, so a key
// never holds more than one value.
type DbHandle struct {
	name    []byte
	DupKeys bool
}

// OpenDB creates the named sub-database if it does not already exist and
// returns a handle to it. name must be non-empty; sub-database names are
// stable identifiers that persist across process restarts.
func (e *Env) OpenDB(name string, dupKeys bool) (DbHandle, error) {
	if name == "" {
		return DbHandle{}, fmt.Errorf("storage: sub-database name must not be empty")
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return DbHandle{}, &types.StorageError{Kind: "io", Err: err}
	}
	return DbHandle{name: []byte(name), DupKeys: dupKeys}, nil
}

// BeginRO starts a read-only transaction. RO transactions may proceed
// concurrently, bounded by MaxReaders in spirit (bbolt itself has no hard
// reader cap; the envelope does not enforce one beyond what the OS and
// available memory allow).
func (e *Env) BeginRO() (*RoTxn, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, &types.StorageError{Kind: "io", Err: err}
	}
	return &RoTxn{tx: tx}, nil
}

// BeginRW starts a read-write transaction. Write transactions are mutually
// exclusive per Env; a second concurrent BeginRW blocks until the first
// commits or rolls back.
func (e *Env) BeginRW() (*RwTxn, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, &types.StorageError{Kind: "io", Err: err}
	}
	return &RwTxn{tx: tx}, nil
}

// View runs fn inside a read-only transaction, always discarding it
// afterward. It mirrors the teacher's db.View idiom for call sites that
// don't need to hold a cursor open across multiple operations.
func (e *Env) View(fn func(*RoTxn) error) error {
	txn, err := e.BeginRO()
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn inside a read-write transaction, committing on success
// and rolling back if fn returns an error.
func (e *Env) Update(fn func(*RwTxn) error) error {
	txn, err := e.BeginRW()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}
