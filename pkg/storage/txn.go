package storage

import (
	"fmt"

	"github.com/getdozer/dozer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Direction selects scan order for Range.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// RoTxn is a read-only transaction. Values returned by Get and by Range
// cursors are borrowed from the transaction's memory map and are only
// valid until the transaction is discarded — callers that need to retain
// data past that point must copy it.
type RoTxn struct {
	tx *bolt.Tx
}

// Discard releases the transaction. It is always safe to call, including
// after a failed Get/Range.
func (t *RoTxn) Discard() {
	if t.tx != nil {
		_ = t.tx.Rollback()
	}
}

// Get looks up key in db. A nil return (with nil error) means the key is
// absent.
func (t *RoTxn) Get(db DbHandle, key []byte) ([]byte, error) {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return nil, fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	return decodeValue(v)
}

// Range returns a lazy cursor over [start, end) (Forward) or (end, start]
// reversed (Reverse). A nil start means "from the first key"; a nil end
// means "to the last key".
func (t *RoTxn) Range(db DbHandle, start, end []byte, dir Direction) (*Cursor, error) {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return nil, fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	return newCursor(b.Cursor(), start, end, dir), nil
}

// RwTxn is a read-write transaction. At most one RwTxn is live per Env at
// a time; the envelope serializes writers by blocking BeginRW until the
// previous write transaction commits or rolls back.
type RwTxn struct {
	tx *bolt.Tx
}

func (t *RwTxn) Get(db DbHandle, key []byte) ([]byte, error) {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return nil, fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	return decodeValue(v)
}

func (t *RwTxn) Range(db DbHandle, start, end []byte, dir Direction) (*Cursor, error) {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return nil, fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	return newCursor(b.Cursor(), start, end, dir), nil
}

// Put writes key/value into db, overwriting any existing value.
func (t *RwTxn) Put(db DbHandle, key, value []byte) error {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	return b.Put(key, encodeValue(value))
}

// Del removes key from db. Deleting an absent key is a no-op.
func (t *RwTxn) Del(db DbHandle, key []byte) error {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	return b.Delete(key)
}

// NextSequence returns a monotonically increasing uint64 scoped to db,
// used for assigning fresh record identities and operation ids without a
// separate counter sub-database.
func (t *RwTxn) NextSequence(db DbHandle) (uint64, error) {
	b := t.tx.Bucket(db.name)
	if b == nil {
		return 0, fmt.Errorf("storage: sub-database %q not open", db.name)
	}
	return b.NextSequence()
}

// Commit makes a write transaction's changes durable and visible to
// subsequently started read transactions. On failure the transaction is
// discarded and reported as a StorageError, per §4.1.
func (t *RwTxn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &types.StorageError{Kind: "commit", Err: err}
	}
	return nil
}

// Rollback discards all changes made in this transaction.
func (t *RwTxn) Rollback() {
	_ = t.tx.Rollback()
}

func encodeValue(v []byte) []byte {
	out := make([]byte, len(v)+1)
	out[0] = formatVersion
	copy(out[1:], v)
	return out
}

func decodeValue(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	if v[0] != formatVersion {
		return nil, &types.StorageError{Kind: "version", Err: fmt.Errorf("stored value has format version %d, expected %d", v[0], formatVersion)}
	}
	out := make([]byte, len(v)-1)
	copy(out, v[1:])
	return out, nil
}
