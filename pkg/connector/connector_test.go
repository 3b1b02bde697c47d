package connector

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdozer/dozer/pkg/oplog"
	"github.com/getdozer/dozer/pkg/types"
)

func openTestLog(t *testing.T) *oplog.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	l, _, err := oplog.Open(path, "log-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

type fakeSource struct {
	source types.SourceDefinition
	schema types.Schema
	ops    []types.LogOperation
	closed bool
}

func (f *fakeSource) Source() types.SourceDefinition { return f.source }
func (f *fakeSource) Schema() types.Schema           { return f.schema }
func (f *fakeSource) Close() error                   { f.closed = true; return nil }

func (f *fakeSource) Run(ctx context.Context, emit func(types.LogOperation) error) error {
	for _, op := range f.ops {
		if err := emit(op); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func sampleRecord(id uint64) types.Record {
	return types.Record{Values: []types.Field{types.UInt(id), types.String("row")}}
}

func TestRunnerAppendsEmittedOperationsToLog(t *testing.T) {
	l := openTestLog(t)
	src := &fakeSource{
		source: types.SourceDefinition{ConnectionName: "pg-main", TableName: "orders"},
		ops: []types.LogOperation{
			types.RecordLogOp(types.InsertOp(sampleRecord(1))),
			types.RecordLogOp(types.InsertOp(sampleRecord(2))),
			types.CommitLogOp(nil, time.Now()),
		},
	}

	r := NewRunner("pg-main", src, l)
	r.Start()

	require.Eventually(t, func() bool { return l.Tail() == 3 }, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestRunnerStopIsIdempotent(t *testing.T) {
	l := openTestLog(t)
	src := &fakeSource{source: types.SourceDefinition{ConnectionName: "pg-main", TableName: "orders"}}
	r := NewRunner("pg-main", src, l)
	r.Start()
	r.Stop()
	assert.NotPanics(t, func() { r.Stop() })
}

func TestPollLoopRunsImmediatelyThenOnEachTick(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- PollLoop(ctx, 5*time.Millisecond, func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPollLoopPropagatesFnError(t *testing.T) {
	sentinel := assert.AnError
	err := PollLoop(context.Background(), time.Second, func(ctx context.Context) error {
		return sentinel
	})
	assert.Equal(t, sentinel, err)
}

func TestCSVValueToFieldParsesEachSupportedKind(t *testing.T) {
	cases := []struct {
		kind types.Kind
		raw  string
		want types.Field
	}{
		{types.KindUInt, "42", types.UInt(42)},
		{types.KindInt, "-7", types.Int(-7)},
		{types.KindFloat, "3.5", types.Float(3.5)},
		{types.KindBoolean, "true", types.Boolean(true)},
		{types.KindString, "hello", types.String("hello")},
	}
	for _, c := range cases {
		got, err := csvValueToField(c.kind, c.raw)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestCSVValueToFieldRejectsUnsupportedKind(t *testing.T) {
	_, err := csvValueToField(types.KindJSON, "{}")
	assert.Error(t, err)
}

func TestCSVValueToFieldParsesDateAndTimestamp(t *testing.T) {
	ts, err := csvValueToField(types.KindTimestamp, "2024-01-15T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, types.KindTimestamp, ts.Kind)

	d, err := csvValueToField(types.KindDate, "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, types.KindDate, d.Kind)
}

func TestLogOpKindLabel(t *testing.T) {
	assert.Equal(t, "record", logOpKindLabel(types.RecordLogOp(types.InsertOp(sampleRecord(1)))))
	assert.Equal(t, "commit", logOpKindLabel(types.CommitLogOp(nil, time.Now())))
	assert.Equal(t, "snapshotting_done", logOpKindLabel(types.SnapshottingDoneLogOp("pg-main")))
}
