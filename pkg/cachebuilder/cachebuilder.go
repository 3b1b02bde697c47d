// Package cachebuilder implements the cache builder state machine of
// §4.5: it owns the building/serving cache pair for one endpoint and
// applies the operation log to building. Outside a rebuild, serving is the
// building pair itself, so readers see each applied operation as soon as
// its cache write commits, before the log Commit that follows it; a rebuilt
// generation replaces serving only at a Commit that reaches the position
// the old generation had reached.
package cachebuilder

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getdozer/dozer/pkg/cache"
	"github.com/getdozer/dozer/pkg/events"
	"github.com/getdozer/dozer/pkg/index"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

// ServingReader is the read-only pair queries are served from.
type ServingReader struct {
	Cache *cache.Cache
	Index *index.Env
}

// catchUpInfo tracks a rebuild in flight: the new building generation
// keeps applying ops until it reaches the position the old serving
// generation had committed to when the rebuild was detected.
type catchUpInfo struct {
	servingNextPos uint64
	meta           types.EndpointMeta
}

// Builder owns one endpoint's building/serving cache pair. Exactly one
// goroutine should call ProcessOp; readers call Serving concurrently.
type Builder struct {
	baseDir   string
	cr        types.ConflictResolution
	indexDefs []index.Definition
	cacheSize int
	broker    *events.Broker

	mu              sync.Mutex
	building        *cache.Cache
	buildingIndex   *index.Env
	meta            types.EndpointMeta
	nextLogPosition uint64
	catchUp         *catchUpInfo

	serving atomic.Pointer[ServingReader]
}

// New constructs a builder for meta: it opens or creates the cache named
// after meta.LogID, primes next_log_position from its CommitState, and
// invokes Update(meta), which returns at once here because the generation
// just opened already carries meta.LogID.
func New(baseDir string, meta types.EndpointMeta, cr types.ConflictResolution, indexDefs []index.Definition, cacheSize int, broker *events.Broker) (*Builder, error) {
	b := &Builder{baseDir: baseDir, cr: cr, indexDefs: indexDefs, cacheSize: cacheSize, broker: broker}

	c, idx, err := b.openGeneration(meta)
	if err != nil {
		return nil, err
	}
	pos, err := c.NextLogPosition()
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	b.building = c
	b.buildingIndex = idx
	b.meta = meta
	b.nextLogPosition = pos
	b.serving.Store(&ServingReader{Cache: c, Index: idx})

	if err := b.Update(meta); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) openGeneration(meta types.EndpointMeta) (*cache.Cache, *index.Env, error) {
	path := filepath.Join(b.baseDir, meta.LogID)
	c, err := cache.Open(meta.Name, path, meta.Schema, b.cr)
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.Open(c.StorageEnv(), b.indexDefs, b.cacheSize)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, idx, nil
}

// Update reconciles the builder against a newly observed EndpointMeta. A
// changed LogID means the upstream log was rebuilt from scratch: a fresh
// building generation is opened at position 0 and the currently serving
// generation keeps serving until the new one catches up to the log
// position it had reached at the moment of the change.
func (b *Builder) Update(meta types.EndpointMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if meta.LogID == b.meta.LogID {
		return nil
	}

	cur := b.serving.Load()
	servingNextPos, err := cur.Cache.NextLogPosition()
	if err != nil {
		return err
	}

	c, idx, err := b.openGeneration(meta)
	if err != nil {
		return err
	}

	metrics.CacheRebuildsTotal.WithLabelValues(meta.Name).Inc()

	b.building = c
	b.buildingIndex = idx
	b.meta = meta
	b.nextLogPosition = 0
	b.catchUp = &catchUpInfo{servingNextPos: servingNextPos, meta: meta}
	return nil
}

// NextLogPosition reports the position the building generation expects
// next. Callers driving the operation log reader use this to resume.
func (b *Builder) NextLogPosition() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextLogPosition
}

// Serving returns the cache/index pair queries should read from.
func (b *Builder) Serving() *ServingReader { return b.serving.Load() }

// ProcessOp applies one position-tagged LogOperation to the building
// generation. pos must equal NextLogPosition; any other value is a
// LogErrorGap, the operation log's integrity-violation signal (§7).
func (b *Builder) ProcessOp(opAndPos types.OpAndPos) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if opAndPos.Pos != b.nextLogPosition {
		return &types.LogError{
			Kind: types.LogErrorGap,
			Msg:  fmt.Sprintf("endpoint %q: expected position %d, got %d", b.meta.Name, b.nextLogPosition, opAndPos.Pos),
		}
	}
	b.nextLogPosition++

	switch opAndPos.Op.Kind {
	case types.LogOpRecord:
		b.applyRecordOp(opAndPos.Op.Op)
		return nil
	case types.LogOpCommit:
		return b.applyCommit(opAndPos.Op, opAndPos.Pos)
	case types.LogOpSnapshottingDone:
		return b.building.MarkSnapshotDone(opAndPos.Op.ConnectionName)
	}
	return nil
}

// applyRecordOp applies a single Insert/Update/Delete/BatchInsert to the
// building cache and its indexes, then fans out a notification. Per §4.5
// this is never fatal to the apply loop: failures are logged and skipped
// so a malformed individual record never stalls the endpoint.
func (b *Builder) applyRecordOp(op types.Operation) {
	epLog := log.WithEndpoint(b.meta.Name)

	switch op.Kind {
	case types.OpInsert:
		result, err := b.building.Insert(op.New)
		if err != nil {
			epLog.Error().Err(err).Msg("cache insert failed")
			return
		}
		b.applyUpsertResult(result, types.Operation{Kind: types.OpInsert, Old: op.New, New: op.New})

	case types.OpDelete:
		dr, err := b.building.Delete(op.Old)
		if err != nil {
			epLog.Error().Err(err).Msg("cache delete failed")
			return
		}
		if dr.Found {
			b.indexRemove(dr.Meta.ID, op.Old)
			b.notify(events.EventDeleted, dr.Meta.ID)
		}

	case types.OpUpdate:
		result, err := b.building.Update(op.Old, op.New)
		if err != nil {
			epLog.Error().Err(err).Msg("cache update failed")
			return
		}
		b.applyUpsertResult(result, op)

	case types.OpBatchInsert:
		for _, rec := range op.NewBatch {
			result, err := b.building.Insert(rec)
			if err != nil {
				epLog.Error().Err(err).Msg("cache batch insert failed")
				continue
			}
			b.applyUpsertResult(result, types.Operation{Kind: types.OpInsert, Old: rec, New: rec})
		}
	}
}

// applyUpsertResult reindexes and notifies for the outcome of an Insert or
// Update. op.Old/op.New are the records the caller presented, used to
// derive the index entries to retract and add.
func (b *Builder) applyUpsertResult(result types.UpsertResult, op types.Operation) {
	switch result.Kind {
	case types.ResultInserted:
		b.indexAdd(result.Meta.ID, op.New)
		b.notify(events.EventUpserted, result.Meta.ID)
	case types.ResultUpdated:
		b.indexRemove(result.OldMeta.ID, op.Old)
		b.indexAdd(result.NewMeta.ID, op.New)
		b.notify(events.EventUpserted, result.NewMeta.ID)
	case types.ResultIgnored:
	}
}

func (b *Builder) indexAdd(id uint64, rec types.Record) {
	if b.buildingIndex == nil {
		return
	}
	err := b.building.StorageEnv().Update(func(txn *storage.RwTxn) error {
		return b.buildingIndex.Add(txn, b.meta.Schema, id, rec)
	})
	if err != nil {
		log.WithEndpoint(b.meta.Name).Error().Err(err).Msg("index add failed")
	}
}

func (b *Builder) indexRemove(id uint64, rec types.Record) {
	if b.buildingIndex == nil {
		return
	}
	err := b.building.StorageEnv().Update(func(txn *storage.RwTxn) error {
		return b.buildingIndex.Remove(txn, b.meta.Schema, id, rec)
	})
	if err != nil {
		log.WithEndpoint(b.meta.Name).Error().Err(err).Msg("index remove failed")
	}
}

func (b *Builder) notify(kind events.EventType, id uint64) {
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{Endpoint: b.meta.Name, Type: kind, RecordID: id})
}

// applyCommit persists the building generation's commit state, records a
// data-latency sample, and swaps serving to building once building has
// caught up to a rebuild's target position.
func (b *Builder) applyCommit(op types.LogOperation, pos uint64) error {
	if err := b.building.Commit(types.CommitState{SourceStates: op.SourceStates, LogPosition: pos}); err != nil {
		return err
	}
	if !op.DecisionInstant.IsZero() {
		metrics.DataLatency.WithLabelValues(b.meta.Name).Observe(time.Since(op.DecisionInstant).Seconds())
	}

	if b.catchUp != nil && b.nextLogPosition >= b.catchUp.servingNextPos {
		prev := b.serving.Swap(&ServingReader{Cache: b.building, Index: b.buildingIndex})
		metrics.CacheSwapsTotal.WithLabelValues(b.meta.Name).Inc()
		b.catchUp = nil
		if prev != nil && prev.Cache != b.building {
			if err := prev.Cache.Close(); err != nil {
				log.WithEndpoint(b.meta.Name).Warn().Err(err).Msg("closing superseded cache generation")
			}
		}
	}
	return nil
}

// Close closes the building generation (and, if different, the currently
// serving one left over from an incomplete catch-up).
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	serving := b.serving.Load()
	var firstErr error
	if serving != nil && serving.Cache != b.building {
		if err := serving.Cache.Close(); err != nil {
			firstErr = err
		}
	}
	if err := b.building.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
