package types

import (
	"fmt"
	"time"
)

// Record is an ordered list of Field values matching a Schema's arity. A
// non-nil Lifetime is an eviction-deadline hint: the cache may drop the
// record once time.Now() passes it, independent of any explicit Delete.
type Record struct {
	Values   []Field
	Lifetime *time.Time
}

// RecordMeta identifies one logical row. Identity (ID) is assigned on first
// insert of a primary-key value and is stable across updates; Version
// increases on every mutation, including resurrection after delete (§3).
type RecordMeta struct {
	ID      uint64
	Version uint32
}

// CommitState is persisted to the main cache on every Commit LogOperation
// (§3, §4.3). On reopen the cache reports LogPosition+1 as the next
// expected log position.
type CommitState struct {
	SourceStates []byte
	LogPosition  uint64
}

// key builds the big-endian concatenation of a record's primary-key field
// encodings, per §4.3. It is an error to derive a key for a record whose
// primary-key fields contain a null the schema does not allow.
func Key(schema Schema, rec Record) ([]byte, error) {
	if !schema.HasPrimaryKey() {
		return nil, fmt.Errorf("types: schema has no primary index")
	}
	var out []byte
	for _, pos := range schema.PrimaryIndex {
		if pos >= len(rec.Values) {
			return nil, fmt.Errorf("types: record has %d values, primary index references position %d", len(rec.Values), pos)
		}
		v := rec.Values[pos]
		if v.IsNull() {
			return nil, fmt.Errorf("types: primary key field %q is null", schema.Fields[pos].Name)
		}
		enc, err := v.Encode()
		if err != nil {
			return nil, fmt.Errorf("types: encoding primary key field %q: %w", schema.Fields[pos].Name, err)
		}
		var lenPrefix [4]byte
		putUint32(lenPrefix[:], uint32(len(enc)))
		out = append(out, lenPrefix[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
