package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/getdozer/dozer/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, logID string) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	l, _, err := Open(path, logID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func insertOp(id uint64) types.LogOperation {
	return types.RecordLogOp(types.InsertOp(types.Record{Values: []types.Field{types.UInt(id)}}))
}

func TestAppendAssignsContiguousPositions(t *testing.T) {
	l := openTestLog(t, "log-1")

	p0, err := l.Append(insertOp(1))
	require.NoError(t, err)
	p1, err := l.Append(insertOp(2))
	require.NoError(t, err)

	require.Equal(t, uint64(0), p0)
	require.Equal(t, uint64(1), p1)
	require.Equal(t, uint64(2), l.Tail())
}

func TestReadReturnsAppendedEntriesInOrder(t *testing.T) {
	l := openTestLog(t, "log-1")
	for i := uint64(0); i < 5; i++ {
		_, err := l.Append(insertOp(i))
		require.NoError(t, err)
	}

	entries, err := l.Read(0, 5, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, uint64(i), e.Pos)
		require.Equal(t, types.OpInsert, e.Op.Op.Kind)
	}
}

func TestReadBlocksUntilAppendOrTimeout(t *testing.T) {
	l := openTestLog(t, "log-1")

	done := make(chan []types.OpAndPos, 1)
	go func() {
		entries, err := l.Read(0, 1, time.Second)
		require.NoError(t, err)
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := l.Append(insertOp(1))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Append")
	}
}

func TestReadReturnsPartialResultOnTimeout(t *testing.T) {
	l := openTestLog(t, "log-1")
	_, err := l.Append(insertOp(1))
	require.NoError(t, err)

	start := time.Now()
	entries, err := l.Read(0, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 100*time.Millisecond)
}

func TestOpeningWithDifferentLogIDResetsToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	l1, rebuilt, err := Open(path, "log-1")
	require.NoError(t, err)
	require.False(t, rebuilt)
	_, err = l1.Append(insertOp(1))
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, rebuilt, err := Open(path, "log-2")
	require.NoError(t, err)
	defer l2.Close()
	require.True(t, rebuilt)
	require.Equal(t, uint64(0), l2.Tail())
}

func TestReopeningWithSameLogIDPreservesTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	l1, _, err := Open(path, "log-1")
	require.NoError(t, err)
	_, err = l1.Append(insertOp(1))
	require.NoError(t, err)
	_, err = l1.Append(insertOp(2))
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, rebuilt, err := Open(path, "log-1")
	require.NoError(t, err)
	defer l2.Close()
	require.False(t, rebuilt)
	require.Equal(t, uint64(2), l2.Tail())
}

func TestSubscribersReadIndependently(t *testing.T) {
	l := openTestLog(t, "log-1")
	for i := uint64(0); i < 3; i++ {
		_, err := l.Append(insertOp(i))
		require.NoError(t, err)
	}

	r1 := l.Subscribe()
	r2 := l.Subscribe()

	entries1, err := r1.GetLog(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, entries1, 2)
	require.Equal(t, uint64(2), r1.Position())

	entries2, err := r2.GetLog(context.Background(), 3, time.Second)
	require.NoError(t, err)
	require.Len(t, entries2, 3)
	require.Equal(t, uint64(3), r2.Position())
}

func TestTruncateBeforeRejectsWhenSubscriberLagsBehind(t *testing.T) {
	l := openTestLog(t, "log-1")
	for i := uint64(0); i < 3; i++ {
		_, err := l.Append(insertOp(i))
		require.NoError(t, err)
	}

	r := l.Subscribe()
	err := l.TruncateBefore(2)
	require.Error(t, err)

	_, err = r.GetLog(context.Background(), 3, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.TruncateBefore(2))
}

func TestTruncateBeforeIgnoresUnsubscribedReaders(t *testing.T) {
	l := openTestLog(t, "log-1")
	for i := uint64(0); i < 3; i++ {
		_, err := l.Append(insertOp(i))
		require.NoError(t, err)
	}

	r := l.Subscribe()
	l.Unsubscribe(r)
	require.NoError(t, l.TruncateBefore(3))
}
