// Package cache implements the main cache environment described in §4.3:
// the persistent store of current records, record metadata, and schema for
// one endpoint, with configurable insert/update/delete conflict resolution.
package cache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/getdozer/dozer/pkg/oplog"
	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	schemaDBName     = "schema"
	opLogDBName      = "operation_log"
	metadataDBName   = "metadata"
	commitStateDBName = "commit_state"
	byIDDBName       = "records_by_id"
)

var commitStateKey = []byte("commit_state")

// Cache is the main cache environment for one endpoint.
type Cache struct {
	name   string
	env    *storage.Env
	schema storage.DbHandle
	opLog  storage.DbHandle
	meta   storage.DbHandle
	commit storage.DbHandle
	byID   storage.DbHandle

	mu          sync.Mutex
	boundSchema types.Schema
	cr          types.ConflictResolution
}

// metaEntry is the persisted shape of a live or tombstoned record identity.
// InsertOpID is nil when the key is known but currently deleted, which
// keeps the identity available for resurrection on a later insert.
type metaEntry struct {
	ID         uint64  `msgpack:"id"`
	Version    uint32  `msgpack:"v"`
	InsertOpID *uint64 `msgpack:"op,omitempty"`
}

// Open opens or creates the cache at path bound to schema. Reopening an
// existing cache with a structurally different schema is a fatal
// SchemaMismatchError.
func Open(name, path string, schema types.Schema, cr types.ConflictResolution) (*Cache, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	env, err := storage.Create(path, storage.Options{})
	if err != nil {
		return nil, err
	}
	c := &Cache{name: name, env: env, boundSchema: schema, cr: cr}
	for _, spec := range []struct {
		name string
		dst  *storage.DbHandle
	}{
		{schemaDBName, &c.schema},
		{opLogDBName, &c.opLog},
		{metadataDBName, &c.meta},
		{commitStateDBName, &c.commit},
		{byIDDBName, &c.byID},
	} {
		h, err := env.OpenDB(spec.name, false)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		*spec.dst = h
	}

	if err := c.bindSchema(schema); err != nil {
		_ = env.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.env.Close() }

// StorageEnv returns the storage environment backing this cache, so a
// secondary index environment can be opened inside it and stay within the
// same transactions as the cache's own mutations (§4.4).
func (c *Cache) StorageEnv() *storage.Env { return c.env }

// Schema returns the schema this cache is bound to.
func (c *Cache) Schema() types.Schema { return c.boundSchema }

var schemaKey = []byte("schema")

func (c *Cache) bindSchema(schema types.Schema) error {
	var stored []byte
	err := c.env.View(func(txn *storage.RoTxn) error {
		v, err := txn.Get(c.schema, schemaKey)
		if err != nil {
			return err
		}
		stored = v
		return nil
	})
	if err != nil {
		return err
	}
	if stored == nil {
		enc, err := msgpack.Marshal(&schema)
		if err != nil {
			return fmt.Errorf("cache: encoding schema: %w", err)
		}
		return c.env.Update(func(txn *storage.RwTxn) error {
			return txn.Put(c.schema, schemaKey, enc)
		})
	}
	var existing types.Schema
	if err := msgpack.Unmarshal(stored, &existing); err != nil {
		return fmt.Errorf("cache: decoding stored schema: %w", err)
	}
	if !existing.Equal(schema) {
		return &types.SchemaMismatchError{Name: c.name, Given: schema, Stored: existing}
	}
	c.boundSchema = existing
	return nil
}

// key derives a record's storage key: the primary-key encoding when the
// schema declares one, or a content hash of the whole record otherwise.
func (c *Cache) key(rec types.Record) ([]byte, error) {
	if c.boundSchema.HasPrimaryKey() {
		return types.Key(c.boundSchema, rec)
	}
	var buf []byte
	for _, f := range rec.Values {
		if f.IsNull() {
			buf = append(buf, 0)
			continue
		}
		enc, err := f.Encode()
		if err != nil {
			return nil, fmt.Errorf("cache: hashing record: %w", err)
		}
		buf = append(buf, enc...)
	}
	return storage.EncodeUint64(xxhash.Sum64(buf)), nil
}

func (c *Cache) getMeta(txn *storage.RoTxn, key []byte) (*metaEntry, error) {
	v, err := txn.Get(c.meta, key)
	if err != nil || v == nil {
		return nil, err
	}
	var m metaEntry
	if err := msgpack.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("cache: decoding metadata: %w", err)
	}
	return &m, nil
}

func (c *Cache) getMetaRW(txn *storage.RwTxn, key []byte) (*metaEntry, error) {
	v, err := txn.Get(c.meta, key)
	if err != nil || v == nil {
		return nil, err
	}
	var m metaEntry
	if err := msgpack.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("cache: decoding metadata: %w", err)
	}
	return &m, nil
}

func (c *Cache) putMeta(txn *storage.RwTxn, key []byte, m metaEntry) error {
	enc, err := msgpack.Marshal(&m)
	if err != nil {
		return fmt.Errorf("cache: encoding metadata: %w", err)
	}
	if err := txn.Put(c.meta, key, enc); err != nil {
		return err
	}
	// Keep the id->key reverse index current so GetByID (the query
	// surface's point-read path, fed record ids from index.Env.Execute)
	// never has to scan the primary key space.
	return txn.Put(c.byID, storage.EncodeUint64(m.ID), key)
}

// GetByID resolves a record id (as returned by an index query plan) back
// to its current live record. It reports false if the id is unknown or
// the record is currently deleted.
func (c *Cache) GetByID(id uint64) (types.Record, bool, error) {
	var rec types.Record
	found := false
	err := c.env.View(func(txn *storage.RoTxn) error {
		key, err := txn.Get(c.byID, storage.EncodeUint64(id))
		if err != nil || key == nil {
			return err
		}
		entry, err := c.getMeta(txn, key)
		if err != nil || entry == nil || entry.InsertOpID == nil {
			return err
		}
		raw, err := txn.Get(c.opLog, storage.EncodeUint64(*entry.InsertOpID))
		if err != nil || raw == nil {
			return err
		}
		op, err := oplog.DecodeOperation(raw)
		if err != nil {
			return fmt.Errorf("cache: decoding record for id %d: %w", id, err)
		}
		rec = op.New
		found = true
		return nil
	})
	return rec, found, err
}

// appendOp allocates the next operation_log sequence number, writes op
// under it, and returns the id actually used — callers must record this id
// (not one pre-fetched separately) as a metaEntry.InsertOpID, since each
// call to txn.NextSequence(c.opLog) consumes a distinct, strictly
// increasing value.
func (c *Cache) appendOp(txn *storage.RwTxn, op types.Operation) (uint64, error) {
	id, err := txn.NextSequence(c.opLog)
	if err != nil {
		return 0, err
	}
	enc, err := oplog.EncodeOperation(op)
	if err != nil {
		return 0, err
	}
	if err := txn.Put(c.opLog, storage.EncodeUint64(id), enc); err != nil {
		return 0, err
	}
	return id, nil
}

// Insert applies the insert state table of §4.3.
func (c *Cache) Insert(rec types.Record) (types.UpsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.boundSchema.AppendOnly {
		return c.insertAppendOnly(rec)
	}

	key, err := c.key(rec)
	if err != nil {
		return types.UpsertResult{}, err
	}

	var result types.UpsertResult
	err = c.env.Update(func(txn *storage.RwTxn) error {
		existing, err := c.getMetaRW(txn, key)
		if err != nil {
			return err
		}
		switch {
		case existing != nil && existing.InsertOpID != nil:
			// present & live
			switch c.cr.OnInsert {
			case types.OnInsertNothing:
				result = types.UpsertResult{Kind: types.ResultIgnored}
				return nil
			case types.OnInsertPanic:
				return &types.PrimaryKeyError{Exists: true, Key: fmt.Sprintf("%x", key)}
			case types.OnInsertUpdate:
				oldMeta := types.RecordMeta{ID: existing.ID, Version: existing.Version}
				newMeta := types.RecordMeta{ID: existing.ID, Version: existing.Version + 1}
				id, err := c.appendOp(txn, types.UpdateOp(rec, rec))
				if err != nil {
					return err
				}
				if err := c.putMeta(txn, key, metaEntry{ID: newMeta.ID, Version: newMeta.Version, InsertOpID: &id}); err != nil {
					return err
				}
				result = types.UpsertResult{Kind: types.ResultUpdated, OldMeta: oldMeta, NewMeta: newMeta}
				return nil
			}
		case existing != nil:
			// present but deleted: resurrect
			newMeta := types.RecordMeta{ID: existing.ID, Version: existing.Version + 1}
			id, err := c.appendOp(txn, types.InsertOp(rec))
			if err != nil {
				return err
			}
			if err := c.putMeta(txn, key, metaEntry{ID: newMeta.ID, Version: newMeta.Version, InsertOpID: &id}); err != nil {
				return err
			}
			result = types.UpsertResult{Kind: types.ResultInserted, Meta: newMeta}
			return nil
		default:
			// absent: fresh identity
			newID, err := txn.NextSequence(c.meta)
			if err != nil {
				return err
			}
			newMeta := types.RecordMeta{ID: newID, Version: 1}
			id, err := c.appendOp(txn, types.InsertOp(rec))
			if err != nil {
				return err
			}
			if err := c.putMeta(txn, key, metaEntry{ID: newMeta.ID, Version: newMeta.Version, InsertOpID: &id}); err != nil {
				return err
			}
			result = types.UpsertResult{Kind: types.ResultInserted, Meta: newMeta}
			return nil
		}
		return nil
	})
	return result, err
}

func (c *Cache) insertAppendOnly(rec types.Record) (types.UpsertResult, error) {
	var result types.UpsertResult
	key, err := c.key(rec)
	if err != nil {
		return result, err
	}
	err = c.env.Update(func(txn *storage.RwTxn) error {
		newID, err := txn.NextSequence(c.meta)
		if err != nil {
			return err
		}
		meta := types.RecordMeta{ID: newID, Version: 1}
		id, err := c.appendOp(txn, types.InsertOp(rec))
		if err != nil {
			return err
		}
		if err := c.putMeta(txn, key, metaEntry{ID: meta.ID, Version: meta.Version, InsertOpID: &id}); err != nil {
			return err
		}
		result = types.UpsertResult{Kind: types.ResultInserted, Meta: meta}
		return nil
	})
	return result, err
}

// DeleteResult reports the outcome of Delete.
type DeleteResult struct {
	Found bool
	Meta  types.RecordMeta
}

// Delete applies the delete state table of §4.3.
func (c *Cache) Delete(rec types.Record) (DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.boundSchema.AppendOnly {
		return DeleteResult{}, &types.AppendOnlySchemaError{Name: c.name}
	}

	key, err := c.key(rec)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	err = c.env.Update(func(txn *storage.RwTxn) error {
		existing, err := c.getMetaRW(txn, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.InsertOpID != nil {
			if _, err := c.appendOp(txn, types.DeleteOp(rec)); err != nil {
				return err
			}
			if err := c.putMeta(txn, key, metaEntry{ID: existing.ID, Version: existing.Version, InsertOpID: nil}); err != nil {
				return err
			}
			result = DeleteResult{Found: true, Meta: types.RecordMeta{ID: existing.ID, Version: existing.Version}}
			return nil
		}
		switch c.cr.OnDelete {
		case types.OnDeleteNothing:
			result = DeleteResult{Found: false}
			return nil
		case types.OnDeletePanic:
			return &types.PrimaryKeyError{Exists: false, Key: fmt.Sprintf("%x", key)}
		}
		return nil
	})
	return result, err
}

// Update applies the 14-case update state table of §4.3.
func (c *Cache) Update(old, updated types.Record) (types.UpsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.boundSchema.AppendOnly {
		return types.UpsertResult{}, &types.AppendOnlySchemaError{Name: c.name}
	}

	oldKey, err := c.key(old)
	if err != nil {
		return types.UpsertResult{}, err
	}
	newKey, err := c.key(updated)
	if err != nil {
		return types.UpsertResult{}, err
	}

	var result types.UpsertResult
	err = c.env.Update(func(txn *storage.RwTxn) error {
		oldEntry, err := c.getMetaRW(txn, oldKey)
		if err != nil {
			return err
		}
		oldLive := oldEntry != nil && oldEntry.InsertOpID != nil

		if string(oldKey) == string(newKey) {
			if !oldLive {
				return c.updateOldAbsent(txn, updated, newKey, &result)
			}
			newMeta := types.RecordMeta{ID: oldEntry.ID, Version: oldEntry.Version + 1}
			id, err := c.appendOp(txn, types.UpdateOp(old, updated))
			if err != nil {
				return err
			}
			if err := c.putMeta(txn, newKey, metaEntry{ID: newMeta.ID, Version: newMeta.Version, InsertOpID: &id}); err != nil {
				return err
			}
			result = types.UpsertResult{Kind: types.ResultUpdated, OldMeta: types.RecordMeta{ID: oldEntry.ID, Version: oldEntry.Version}, NewMeta: newMeta}
			return nil
		}

		newEntry, err := c.getMetaRW(txn, newKey)
		if err != nil {
			return err
		}
		newLive := newEntry != nil && newEntry.InsertOpID != nil

		switch {
		case oldLive && !newLive:
			if _, err := c.appendOp(txn, types.DeleteOp(old)); err != nil {
				return err
			}
			if err := c.putMeta(txn, oldKey, metaEntry{ID: oldEntry.ID, Version: oldEntry.Version, InsertOpID: nil}); err != nil {
				return err
			}
			var newMeta types.RecordMeta
			if newEntry != nil {
				newMeta = types.RecordMeta{ID: newEntry.ID, Version: newEntry.Version + 1}
			} else {
				newID, err := txn.NextSequence(c.meta)
				if err != nil {
					return err
				}
				newMeta = types.RecordMeta{ID: newID, Version: 1}
			}
			insertOpID, err := c.appendOp(txn, types.InsertOp(updated))
			if err != nil {
				return err
			}
			if err := c.putMeta(txn, newKey, metaEntry{ID: newMeta.ID, Version: newMeta.Version, InsertOpID: &insertOpID}); err != nil {
				return err
			}
			result = types.UpsertResult{Kind: types.ResultUpdated, OldMeta: types.RecordMeta{ID: oldEntry.ID, Version: oldEntry.Version}, NewMeta: newMeta}
			return nil

		case oldLive && newLive:
			switch c.cr.OnUpdate {
			case types.OnUpdateNothing:
				result = types.UpsertResult{Kind: types.ResultIgnored}
				return nil
			default:
				return &types.PrimaryKeyError{Exists: true, Key: fmt.Sprintf("%x", newKey)}
			}

		default: // !oldLive
			return c.updateOldAbsentWithTarget(txn, updated, newKey, newEntry, &result)
		}
	})
	return result, err
}

func (c *Cache) updateOldAbsent(txn *storage.RwTxn, updated types.Record, key []byte, result *types.UpsertResult) error {
	entry, err := c.getMetaRW(txn, key)
	if err != nil {
		return err
	}
	return c.updateOldAbsentWithTarget(txn, updated, key, entry, result)
}

func (c *Cache) updateOldAbsentWithTarget(txn *storage.RwTxn, updated types.Record, key []byte, entry *metaEntry, result *types.UpsertResult) error {
	switch c.cr.OnUpdate {
	case types.OnUpdateNothing:
		*result = types.UpsertResult{Kind: types.ResultIgnored}
		return nil
	case types.OnUpdatePanic:
		return &types.PrimaryKeyError{Exists: false, Key: fmt.Sprintf("%x", key)}
	case types.OnUpdateUpsert:
		var meta types.RecordMeta
		if entry != nil {
			meta = types.RecordMeta{ID: entry.ID, Version: entry.Version + 1}
		} else {
			newID, err := txn.NextSequence(c.meta)
			if err != nil {
				return err
			}
			meta = types.RecordMeta{ID: newID, Version: 1}
		}
		id, err := c.appendOp(txn, types.InsertOp(updated))
		if err != nil {
			return err
		}
		if err := c.putMeta(txn, key, metaEntry{ID: meta.ID, Version: meta.Version, InsertOpID: &id}); err != nil {
			return err
		}
		*result = types.UpsertResult{Kind: types.ResultInserted, Meta: meta}
		return nil
	}
	return nil
}

// Commit flushes state and records the new CommitState.
func (c *Cache) Commit(state types.CommitState) error {
	enc, err := msgpack.Marshal(&state)
	if err != nil {
		return fmt.Errorf("cache: encoding commit state: %w", err)
	}
	return c.env.Update(func(txn *storage.RwTxn) error {
		return txn.Put(c.commit, commitStateKey, enc)
	})
}

// NextLogPosition reports commit_state.log_position + 1, or 0 if the cache
// has never committed.
func (c *Cache) NextLogPosition() (uint64, error) {
	var pos uint64
	err := c.env.View(func(txn *storage.RoTxn) error {
		v, err := txn.Get(c.commit, commitStateKey)
		if err != nil || v == nil {
			return err
		}
		var state types.CommitState
		if err := msgpack.Unmarshal(v, &state); err != nil {
			return fmt.Errorf("cache: decoding commit state: %w", err)
		}
		pos = state.LogPosition + 1
		return nil
	})
	return pos, err
}

func snapshotDoneKey(connection string) []byte {
	return append([]byte("snapshot_done:"), []byte(connection)...)
}

// MarkSnapshotDone records that connection's initial snapshot has been
// fully applied to this cache, so a restarted cache builder can skip
// re-snapshotting on boot (§4.5).
func (c *Cache) MarkSnapshotDone(connection string) error {
	return c.env.Update(func(txn *storage.RwTxn) error {
		return txn.Put(c.commit, snapshotDoneKey(connection), []byte{1})
	})
}

// SnapshotDone reports whether connection's snapshot marker was recorded.
func (c *Cache) SnapshotDone(connection string) (bool, error) {
	var done bool
	err := c.env.View(func(txn *storage.RoTxn) error {
		v, err := txn.Get(c.commit, snapshotDoneKey(connection))
		if err != nil {
			return err
		}
		done = v != nil
		return nil
	})
	return done, err
}

// Lookup returns the live record metadata for key, or nil if absent or
// deleted.
func (c *Cache) Lookup(rec types.Record) (*types.RecordMeta, error) {
	key, err := c.key(rec)
	if err != nil {
		return nil, err
	}
	var meta *types.RecordMeta
	err = c.env.View(func(txn *storage.RoTxn) error {
		entry, err := c.getMeta(txn, key)
		if err != nil || entry == nil || entry.InsertOpID == nil {
			return err
		}
		meta = &types.RecordMeta{ID: entry.ID, Version: entry.Version}
		return nil
	})
	return meta, err
}
