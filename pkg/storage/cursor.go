package storage

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Cursor is a lazy, finite, non-restartable sequence of (key, value) pairs
// borrowed from the owning transaction, per §4.1. Calling Next after it
// has returned false is a no-op that keeps returning false.
type Cursor struct {
	c       *bolt.Cursor
	start   []byte
	end     []byte
	dir     Direction
	started bool
	done    bool
}

func newCursor(c *bolt.Cursor, start, end []byte, dir Direction) *Cursor {
	return &Cursor{c: c, start: start, end: end, dir: dir}
}

// Next advances the cursor and returns the next (key, value) pair, or
// ok=false when the range is exhausted. Returned slices are only valid
// until the next call to Next or until the owning transaction ends.
func (cur *Cursor) Next() (key, value []byte, ok bool) {
	if cur.done {
		return nil, nil, false
	}
	var k, v []byte
	if cur.dir == Forward {
		k, v = cur.advanceForward()
		if k != nil && cur.end != nil && bytes.Compare(k, cur.end) >= 0 {
			k = nil
		}
	} else {
		k, v = cur.advanceReverse()
		if k != nil && cur.start != nil && bytes.Compare(k, cur.start) < 0 {
			k = nil
		}
	}
	if k == nil {
		cur.done = true
		return nil, nil, false
	}
	dv, err := decodeValue(v)
	if err != nil {
		cur.done = true
		return nil, nil, false
	}
	return k, dv, true
}

func (cur *Cursor) advanceForward() ([]byte, []byte) {
	if !cur.started {
		cur.started = true
		if cur.start == nil {
			return cur.c.First()
		}
		return cur.c.Seek(cur.start)
	}
	return cur.c.Next()
}

func (cur *Cursor) advanceReverse() ([]byte, []byte) {
	if !cur.started {
		cur.started = true
		if cur.end == nil {
			return cur.c.Last()
		}
		k, _ := cur.c.Seek(cur.end)
		if k == nil {
			return cur.c.Last()
		}
		// Seek lands on the first key >= end; end is exclusive, so the
		// cursor must step back one position regardless of whether that
		// key equals end or overshot it.
		return cur.c.Prev()
	}
	return cur.c.Prev()
}
