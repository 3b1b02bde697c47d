// Package oplog implements the per-endpoint operation log described in
// §4.2: an append-only sequence of LogOperation entries with commit
// boundaries, positional addressing, persistent replay, and in-memory tail
// fan-out to many independent readers.
package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

var (
	recordsDB = "records"
	metaDB    = "meta"
)

var (
	metaKeyLogID = []byte("log_id")
	metaKeyTail  = []byte("tail")
)

// Log is a single endpoint's operation log, backed by its own storage
// envelope. Append is single-writer; Read and Subscribe support any number
// of concurrent independent readers.
type Log struct {
	env        *storage.Env
	records    storage.DbHandle
	meta       storage.DbHandle
	appendOnce sync.Mutex

	mu     sync.Mutex
	tail   uint64 // next position to assign
	tailCh chan struct{}

	subsMu sync.Mutex
	subs   map[*ReaderHandle]struct{}
}

// Open opens or creates the log at path, stamped with logID. If a log
// already exists at path with a different log_id, the existing log is
// discarded (per §4.2: "Recipients compare log_id to detect rebuilds; on
// mismatch they discard state and restart from pos = 0") and rebuilt
// reports true.
func Open(path string, logID string) (log *Log, rebuilt bool, err error) {
	env, err := storage.Create(path, storage.Options{})
	if err != nil {
		return nil, false, err
	}
	records, err := env.OpenDB(recordsDB, false)
	if err != nil {
		_ = env.Close()
		return nil, false, err
	}
	meta, err := env.OpenDB(metaDB, false)
	if err != nil {
		_ = env.Close()
		return nil, false, err
	}

	l := &Log{
		env:     env,
		records: records,
		meta:    meta,
		tailCh:  make(chan struct{}),
		subs:    make(map[*ReaderHandle]struct{}),
	}

	var storedLogID []byte
	err = env.View(func(txn *storage.RoTxn) error {
		v, err := txn.Get(meta, metaKeyLogID)
		if err != nil {
			return err
		}
		storedLogID = v
		return nil
	})
	if err != nil {
		_ = env.Close()
		return nil, false, err
	}

	if storedLogID == nil {
		if err := l.setLogID(logID); err != nil {
			_ = env.Close()
			return nil, false, err
		}
	} else if string(storedLogID) != logID {
		if err := l.reset(logID); err != nil {
			_ = env.Close()
			return nil, false, err
		}
		rebuilt = true
	} else {
		if err := l.loadTail(); err != nil {
			_ = env.Close()
			return nil, false, err
		}
	}

	return l, rebuilt, nil
}

// Close releases the log's storage envelope.
func (l *Log) Close() error { return l.env.Close() }

func (l *Log) setLogID(logID string) error {
	return l.env.Update(func(txn *storage.RwTxn) error {
		return txn.Put(l.meta, metaKeyLogID, []byte(logID))
	})
}

func (l *Log) reset(logID string) error {
	err := l.env.Update(func(txn *storage.RwTxn) error {
		cur, err := txn.Range(l.records, nil, nil, storage.Forward)
		if err != nil {
			return err
		}
		var keys [][]byte
		for {
			k, _, ok := cur.Next()
			if !ok {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			keys = append(keys, kc)
		}
		for _, k := range keys {
			if err := txn.Del(l.records, k); err != nil {
				return err
			}
		}
		if err := txn.Put(l.meta, metaKeyLogID, []byte(logID)); err != nil {
			return err
		}
		return txn.Put(l.meta, metaKeyTail, storage.EncodeUint64(0))
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.tail = 0
	l.mu.Unlock()
	return nil
}

func (l *Log) loadTail() error {
	return l.env.View(func(txn *storage.RoTxn) error {
		v, err := txn.Get(l.meta, metaKeyTail)
		if err != nil {
			return err
		}
		if v != nil {
			l.tail = storage.DecodeUint64(v)
		}
		return nil
	})
}

// Tail returns the next position that will be assigned by Append.
func (l *Log) Tail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Append persists op at the next position and returns that position.
// Append is single-writer: concurrent calls are serialized. Readers parked
// in Read or GetLog waiting past the new tail are woken.
func (l *Log) Append(op types.LogOperation) (uint64, error) {
	l.appendOnce.Lock()
	defer l.appendOnce.Unlock()

	l.mu.Lock()
	pos := l.tail
	l.mu.Unlock()

	payload, err := encodeLogOperation(op)
	if err != nil {
		return 0, err
	}

	err = l.env.Update(func(txn *storage.RwTxn) error {
		if err := txn.Put(l.records, storage.EncodeUint64(pos), payload); err != nil {
			return err
		}
		return txn.Put(l.meta, metaKeyTail, storage.EncodeUint64(pos+1))
	})
	if err != nil {
		return 0, &types.StorageError{Kind: "io", Err: err}
	}

	l.mu.Lock()
	l.tail = pos + 1
	ch := l.tailCh
	l.tailCh = make(chan struct{})
	l.mu.Unlock()
	close(ch)

	return pos, nil
}

// Read returns the entries in [start, end) in ascending position order,
// blocking up to timeout for positions not yet written. It returns fewer
// than end-start entries if the timeout elapses before they all arrive.
func (l *Log) Read(start, end uint64, timeout time.Duration) ([]types.OpAndPos, error) {
	if end <= start {
		return nil, nil
	}
	deadline := time.Now().Add(timeout)
	available := l.waitForTail(end, deadline)
	if available > end {
		available = end
	}
	if available <= start {
		return nil, nil
	}

	var out []types.OpAndPos
	err := l.env.View(func(txn *storage.RoTxn) error {
		cur, err := txn.Range(l.records, storage.EncodeUint64(start), storage.EncodeUint64(available), storage.Forward)
		if err != nil {
			return err
		}
		for {
			k, v, ok := cur.Next()
			if !ok {
				break
			}
			op, err := decodeLogOperation(v)
			if err != nil {
				return err
			}
			out = append(out, types.OpAndPos{Op: op, Pos: storage.DecodeUint64(k)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// waitForTail blocks until the tail reaches at least min or deadline
// passes, returning the tail observed at that point.
func (l *Log) waitForTail(min uint64, deadline time.Time) uint64 {
	for {
		l.mu.Lock()
		if l.tail >= min {
			t := l.tail
			l.mu.Unlock()
			return t
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t := l.tail
			l.mu.Unlock()
			return t
		}
		ch := l.tailCh
		l.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(remaining):
			l.mu.Lock()
			t := l.tail
			l.mu.Unlock()
			return t
		}
	}
}

// ReaderHandle is an independent, resumable cursor over the log, obtained
// via Subscribe. Multiple handles may read concurrently at different
// positions.
type ReaderHandle struct {
	log *Log
	mu  sync.Mutex
	pos uint64
}

// Subscribe registers a new reader starting at position 0.
func (l *Log) Subscribe() *ReaderHandle {
	r := &ReaderHandle{log: l}
	l.subsMu.Lock()
	l.subs[r] = struct{}{}
	l.subsMu.Unlock()
	return r
}

// Unsubscribe removes r from the log's low-water-mark tracking. After this
// call r's outstanding position no longer blocks TruncateBefore.
func (l *Log) Unsubscribe(r *ReaderHandle) {
	l.subsMu.Lock()
	delete(l.subs, r)
	l.subsMu.Unlock()
}

// ReaderCount reports the number of currently subscribed readers.
func (l *Log) ReaderCount() int {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	return len(l.subs)
}

// Position reports the reader's next position to deliver.
func (r *ReaderHandle) Position() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// GetLog delivers up to count entries starting from the reader's current
// position, blocking up to timeout for new data, or until ctx is done.
func (r *ReaderHandle) GetLog(ctx context.Context, count int, timeout time.Duration) ([]types.OpAndPos, error) {
	r.mu.Lock()
	start := r.pos
	r.mu.Unlock()

	type result struct {
		entries []types.OpAndPos
		err     error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := r.log.Read(start, start+uint64(count), timeout)
		done <- result{entries, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.entries) > 0 {
			r.mu.Lock()
			r.pos = res.entries[len(res.entries)-1].Pos + 1
			r.mu.Unlock()
		}
		return res.entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TruncateBefore removes entries strictly before pos, provided every
// registered subscriber has already delivered past pos. It returns a
// LogError if any subscriber's low-water mark is behind pos.
func (l *Log) TruncateBefore(pos uint64) error {
	l.subsMu.Lock()
	for r := range l.subs {
		if r.Position() < pos {
			l.subsMu.Unlock()
			return &types.LogError{Kind: types.LogErrorGap, Msg: fmt.Sprintf("cannot truncate before %d: a subscriber is still at %d", pos, r.Position())}
		}
	}
	l.subsMu.Unlock()

	return l.env.Update(func(txn *storage.RwTxn) error {
		cur, err := txn.Range(l.records, nil, storage.EncodeUint64(pos), storage.Forward)
		if err != nil {
			return err
		}
		var keys [][]byte
		for {
			k, _, ok := cur.Next()
			if !ok {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			keys = append(keys, kc)
		}
		for _, k := range keys {
			if err := txn.Del(l.records, k); err != nil {
				return err
			}
		}
		return nil
	})
}
