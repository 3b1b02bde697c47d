/*
Package oplog implements the per-endpoint operation log (§4.2): an
append-only, single-writer, multi-reader sequence of LogOperation entries.

	┌───────────────── OPERATION LOG (one per endpoint) ─────────────────┐
	│                                                                      │
	│  Append(op) -> pos          single writer, serialized               │
	│        │                                                            │
	│        ▼                                                            │
	│  storage envelope: records[pos] = msgpack(op), meta[tail] = pos+1   │
	│        │                                                            │
	│        ▼ close(tailCh) wakes blocked readers                        │
	│                                                                      │
	│  Read(start,end,timeout) ──┬── ReaderHandle.GetLog (resumable)      │
	│                            └── ReaderHandle.GetLog (independent)    │
	│                                                                      │
	│  TruncateBefore(pos): only once every ReaderHandle.Position() >= pos │
	└──────────────────────────────────────────────────────────────────────┘

Each Append persists its entry in its own storage envelope RwTxn and
commits it before returning, so readers see the entry at once whether or
not a Commit LogOperation follows it; entries after the last Commit are
neither hidden from readers nor removed on restart. Every log is
stamped with a log_id; opening a log with a log_id that does not match what
is stored discards the existing data and restarts numbering from 0, which is
how callers detect that the upstream stream was rebuilt from scratch.
*/
package oplog
