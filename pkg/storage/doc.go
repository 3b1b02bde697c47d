/*
Package storage implements the storage envelope described in §4.1: a
memory-mapped, copy-on-write key-value engine with a single writer, many
concurrent readers, typed sub-databases, and deterministic key encoding.

# Architecture

	┌───────────────────────── STORAGE ENVELOPE ─────────────────────────┐
	│                                                                     │
	│  ┌───────────────────────────────────────────────────┐            │
	│  │                        Env                          │            │
	│  │  - File: <path>                                    │            │
	│  │  - Engine: bbolt (memory-mapped B+tree, MVCC)       │            │
	│  │  - One RwTxn at a time, unlimited RoTxn             │            │
	│  └──────────────────────┬──────────────────────────────┘           │
	│                         │                                           │
	│  ┌──────────────────────▼──────────────────────────────┐          │
	│  │                   Sub-databases (DbHandle)            │          │
	│  │   named buckets, created with OpenDB, stable by name  │          │
	│  └──────────────────────┬──────────────────────────────┘           │
	│                         │                                           │
	│  ┌──────────────────────▼──────────────────────────────┐          │
	│  │            RoTxn / RwTxn: Get, Put, Del, Range        │          │
	│  │  Range returns a lazy, bounded, non-restartable Cursor │          │
	│  └───────────────────────────────────────────────────────┘          │
	│                                                                     │
	│  Every stored value carries a one-byte format version prefix; a     │
	│  mismatched version on read is a loud StorageError, never a silent  │
	│  misinterpretation of bytes.                                        │
	└─────────────────────────────────────────────────────────────────────┘

bbolt is the concrete engine (the same choice the teacher repo makes for
its own cluster-state store); the transaction and cursor vocabulary this
package exposes — explicit BeginRO/BeginRW, a cursor that seeks a bound and
walks forward or backward — mirrors the shape of the MDBX/LMDB-class
engines this corpus's other repos embed, without pulling in a cgo
dependency the rest of the stack does not need.
*/
package storage
