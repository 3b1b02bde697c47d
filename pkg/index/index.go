// Package index implements the secondary index environment of §4.4: one
// SortedInverted or FullText sub-database per declared index. Add and
// Remove run inside the RwTxn the caller passes; pkg/cachebuilder passes a
// transaction of its own, opened after the cache mutation has committed,
// so a reader can see a record before its index entries are written.
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

// Kind distinguishes the two index flavors named in §4.4.
type Kind uint8

const (
	KindSortedInverted Kind = iota
	KindFullText
)

// Definition declares one secondary index over an endpoint's schema.
type Definition struct {
	Name   string
	Kind   Kind
	Fields []int // field positions; SortedInverted may be composite, FullText is single-field
}

// Direction controls range-scan iteration order.
type Direction = storage.Direction

const (
	Forward = storage.Forward
	Reverse = storage.Reverse
)

// Env owns the sub-databases for every declared index on one endpoint,
// plus a bounded point-lookup cache keyed by primary-key encoding. Only
// CachePut, CacheGet and InvalidateKey touch that cache; neither this
// package nor pkg/cache fills, consults or invalidates it on its own.
type Env struct {
	env     *storage.Env
	defs    []Definition
	handles map[string]storage.DbHandle
	lookup  *lru.Cache[string, uint64]
	mu      sync.Mutex
}

// Open opens or creates the sub-databases backing defs, inside env (shared
// with the owning cache's environment), plus an LRU point-lookup cache of
// cacheSize entries (1024 when cacheSize <= 0).
func Open(env *storage.Env, defs []Definition, cacheSize int) (*Env, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	lookup, err := lru.New[string, uint64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("index: creating lookup cache: %w", err)
	}
	e := &Env{env: env, defs: defs, handles: map[string]storage.DbHandle{}, lookup: lookup}
	for _, d := range defs {
		h, err := env.OpenDB("idx_"+d.Name, false)
		if err != nil {
			return nil, err
		}
		e.handles[d.Name] = h
	}
	return e, nil
}

func (e *Env) def(name string) (Definition, bool) {
	for _, d := range e.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// indexKey derives the composite big-endian key for a SortedInverted index
// over the declared field positions, the same length-prefixed concatenation
// scheme as types.Key.
func indexKey(schema types.Schema, rec types.Record, positions []int) ([]byte, error) {
	var out []byte
	for _, pos := range positions {
		if pos >= len(rec.Values) {
			return nil, fmt.Errorf("index: record has %d values, index references position %d", len(rec.Values), pos)
		}
		v := rec.Values[pos]
		var enc []byte
		if !v.IsNull() {
			var err error
			enc, err = v.Encode()
			if err != nil {
				return nil, fmt.Errorf("index: encoding field %q: %w", schema.Fields[pos].Name, err)
			}
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

// postingList reads and decodes the roaring bitmap stored at key, or an
// empty bitmap if key is absent.
func postingList(txn *storage.RwTxn, db storage.DbHandle, key []byte) (*roaring.Bitmap, error) {
	v, err := txn.Get(db, key)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if v == nil {
		return bm, nil
	}
	if _, err := bm.FromUnsafeBytes(v); err != nil {
		return nil, fmt.Errorf("index: decoding posting list: %w", err)
	}
	return bm, nil
}

// Add updates every declared SortedInverted/FullText index for a newly
// live record, within the caller's RwTxn.
func (e *Env) Add(txn *storage.RwTxn, schema types.Schema, id uint64, rec types.Record) error {
	for _, d := range e.defs {
		db := e.handles[d.Name]
		switch d.Kind {
		case KindSortedInverted:
			key, err := indexKey(schema, rec, d.Fields)
			if err != nil {
				return err
			}
			bm, err := postingList(txn, db, key)
			if err != nil {
				return err
			}
			bm.Add(uint32(id))
			enc, err := bm.ToBytes()
			if err != nil {
				return err
			}
			if err := txn.Put(db, key, enc); err != nil {
				return err
			}
		case KindFullText:
			if len(d.Fields) != 1 {
				return fmt.Errorf("index %q: full-text index must declare exactly one field", d.Name)
			}
			pos := d.Fields[0]
			if pos >= len(rec.Values) || rec.Values[pos].IsNull() {
				continue
			}
			text := rec.Values[pos].StrVal
			for _, term := range tokenize(text) {
				key := []byte(term)
				bm, err := postingList(txn, db, key)
				if err != nil {
					return err
				}
				bm.Add(uint32(id))
				enc, err := bm.ToBytes()
				if err != nil {
					return err
				}
				if err := txn.Put(db, key, enc); err != nil {
					return err
				}
			}
		}
	}
	e.invalidate(id)
	return nil
}

// Remove retracts id from every declared index entry derived from rec.
func (e *Env) Remove(txn *storage.RwTxn, schema types.Schema, id uint64, rec types.Record) error {
	for _, d := range e.defs {
		db := e.handles[d.Name]
		switch d.Kind {
		case KindSortedInverted:
			key, err := indexKey(schema, rec, d.Fields)
			if err != nil {
				return err
			}
			bm, err := postingList(txn, db, key)
			if err != nil {
				return err
			}
			bm.Remove(uint32(id))
			if bm.IsEmpty() {
				if err := txn.Del(db, key); err != nil {
					return err
				}
				continue
			}
			enc, err := bm.ToBytes()
			if err != nil {
				return err
			}
			if err := txn.Put(db, key, enc); err != nil {
				return err
			}
		case KindFullText:
			if len(d.Fields) != 1 {
				continue
			}
			pos := d.Fields[0]
			if pos >= len(rec.Values) || rec.Values[pos].IsNull() {
				continue
			}
			for _, term := range tokenize(rec.Values[pos].StrVal) {
				key := []byte(term)
				bm, err := postingList(txn, db, key)
				if err != nil {
					return err
				}
				bm.Remove(uint32(id))
				if bm.IsEmpty() {
					if err := txn.Del(db, key); err != nil {
						return err
					}
					continue
				}
				enc, err := bm.ToBytes()
				if err != nil {
					return err
				}
				if err := txn.Put(db, key, enc); err != nil {
					return err
				}
			}
		}
	}
	e.invalidate(id)
	return nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// invalidate exists for symmetry with Add/Remove's per-id bookkeeping and
// does nothing: the point-lookup cache keys on the primary-key encoding,
// and only InvalidateKey removes an entry from it.
func (e *Env) invalidate(id uint64) { _ = id }

// InvalidateKey drops key from the point-lookup cache.
func (e *Env) InvalidateKey(key []byte) {
	e.lookup.Remove(string(key))
}

// CachePut populates the point-lookup cache for key after the caller's
// own storage lookup has resolved the record-metadata id.
func (e *Env) CachePut(key []byte, id uint64) {
	e.lookup.Add(string(key), id)
}

// CacheGet consults the point-lookup cache only, without touching storage.
func (e *Env) CacheGet(key []byte) (uint64, bool) {
	return e.lookup.Get(string(key))
}

// Key computes the SortedInverted index key for rec under the named index,
// the same encoding Add/Remove/RangeScan consult. Query-serving callers use
// this to build Plan.FilterStart/FilterEnd bounds from user-supplied values.
func (e *Env) Key(schema types.Schema, name string, rec types.Record) ([]byte, error) {
	def, ok := e.def(name)
	if !ok || def.Kind != KindSortedInverted {
		return nil, &types.NoIndexError{Endpoint: name}
	}
	return indexKey(schema, rec, def.Fields)
}

// Definitions returns the index definitions this environment was opened
// with, so callers can resolve a SortedInverted index's declared fields.
func (e *Env) Definitions() []Definition {
	return e.defs
}

// RangeScan walks a SortedInverted index between start and end (either may
// be nil for unbounded) in dir, returning every posting-list id in range.
func (e *Env) RangeScan(txn *storage.RoTxn, name string, start, end []byte, dir Direction) ([]uint64, error) {
	def, ok := e.def(name)
	if !ok || def.Kind != KindSortedInverted {
		return nil, &types.NoIndexError{Endpoint: name}
	}
	db := e.handles[name]
	cur, err := txn.Range(db, start, end, dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for {
		_, v, ok := cur.Next()
		if !ok {
			break
		}
		bm := roaring.New()
		if _, err := bm.FromUnsafeBytes(v); err != nil {
			return nil, fmt.Errorf("index: decoding posting list: %w", err)
		}
		it := bm.Iterator()
		for it.HasNext() {
			ids = append(ids, uint64(it.Next()))
		}
	}
	return ids, nil
}

// Contains probes a FullText index for term, returning every matching id.
func (e *Env) Contains(txn *storage.RoTxn, name, term string) ([]uint64, error) {
	def, ok := e.def(name)
	if !ok || def.Kind != KindFullText {
		return nil, &types.NoIndexError{Endpoint: name}
	}
	db := e.handles[name]
	v, err := txn.Get(db, []byte(strings.ToLower(term)))
	if err != nil || v == nil {
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.FromUnsafeBytes(v); err != nil {
		return nil, fmt.Errorf("index: decoding posting list: %w", err)
	}
	it := bm.Iterator()
	ids := make([]uint64, 0, bm.GetCardinality())
	for it.HasNext() {
		ids = append(ids, uint64(it.Next()))
	}
	return ids, nil
}

// Plan is a combined (filter, order_by, skip/after, limit) query request,
// per §4.4's query contract.
type Plan struct {
	FilterIndex string // SortedInverted index name used for the filter range, or "" for none
	FilterStart []byte
	FilterEnd   []byte
	OrderIndex  string // SortedInverted index name to order by; must equal FilterIndex when both set
	Direction   Direction
	Skip        int
	Limit       int
}

// Execute plans and runs a combined query against declared indexes; if no
// index satisfies the plan, it reports NoIndexError (§4.4).
func (e *Env) Execute(txn *storage.RoTxn, endpoint string, plan Plan) ([]uint64, error) {
	indexName := plan.OrderIndex
	if indexName == "" {
		indexName = plan.FilterIndex
	}
	if indexName == "" {
		return nil, &types.NoIndexError{Endpoint: endpoint}
	}
	if plan.FilterIndex != "" && plan.OrderIndex != "" && plan.FilterIndex != plan.OrderIndex {
		return nil, &types.NoIndexError{Endpoint: endpoint}
	}
	ids, err := e.RangeScan(txn, indexName, plan.FilterStart, plan.FilterEnd, plan.Direction)
	if err != nil {
		return nil, err
	}
	if plan.Skip > 0 {
		if plan.Skip >= len(ids) {
			return nil, nil
		}
		ids = ids[plan.Skip:]
	}
	if plan.Limit > 0 && plan.Limit < len(ids) {
		ids = ids[:plan.Limit]
	}
	return ids, nil
}
