package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInsertOpCarriesNewRecord(t *testing.T) {
	rec := Record{Values: []Field{UInt(1)}}
	op := InsertOp(rec)
	assert.Equal(t, OpInsert, op.Kind)
	assert.Equal(t, rec, op.New)
}

func TestDeleteOpCarriesOldRecord(t *testing.T) {
	rec := Record{Values: []Field{UInt(1)}}
	op := DeleteOp(rec)
	assert.Equal(t, OpDelete, op.Kind)
	assert.Equal(t, rec, op.Old)
}

func TestUpdateOpCarriesBothRecords(t *testing.T) {
	old := Record{Values: []Field{UInt(1)}}
	updated := Record{Values: []Field{UInt(2)}}
	op := UpdateOp(old, updated)
	assert.Equal(t, OpUpdate, op.Kind)
	assert.Equal(t, old, op.Old)
	assert.Equal(t, updated, op.New)
}

func TestBatchInsertOpCarriesAllRecords(t *testing.T) {
	recs := []Record{{Values: []Field{UInt(1)}}, {Values: []Field{UInt(2)}}}
	op := BatchInsertOp(recs)
	assert.Equal(t, OpBatchInsert, op.Kind)
	assert.Len(t, op.NewBatch, 2)
}

func TestCommitLogOpCarriesDecisionInstant(t *testing.T) {
	now := time.Unix(1000, 0)
	op := CommitLogOp([]byte("states"), now)
	assert.Equal(t, LogOpCommit, op.Kind)
	assert.Equal(t, now, op.DecisionInstant)
	assert.Equal(t, []byte("states"), op.SourceStates)
}

func TestSnapshottingDoneLogOpCarriesConnectionName(t *testing.T) {
	op := SnapshottingDoneLogOp("pg-main")
	assert.Equal(t, LogOpSnapshottingDone, op.Kind)
	assert.Equal(t, "pg-main", op.ConnectionName)
}

func TestRecordLogOpWrapsOperation(t *testing.T) {
	inner := InsertOp(Record{Values: []Field{UInt(1)}})
	op := RecordLogOp(inner)
	assert.Equal(t, LogOpRecord, op.Kind)
	assert.Equal(t, inner, op.Op)
}
