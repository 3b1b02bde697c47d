package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envelope.db")
	env, err := Create(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestPutGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDB("things", false)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(txn *RwTxn) error {
		return txn.Put(db, []byte("a"), []byte("1"))
	}))

	err = env.View(func(txn *RoTxn) error {
		v, err := txn.Get(db, []byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDB("things", false)
	require.NoError(t, err)

	err = env.View(func(txn *RoTxn) error {
		v, err := txn.Get(db, []byte("missing"))
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRemovesKey(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDB("things", false)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(txn *RwTxn) error {
		return txn.Put(db, []byte("a"), []byte("1"))
	}))
	require.NoError(t, env.Update(func(txn *RwTxn) error {
		return txn.Del(db, []byte("a"))
	}))

	err = env.View(func(txn *RoTxn) error {
		v, err := txn.Get(db, []byte("a"))
		require.NoError(t, err)
		require.Nil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestRangeForwardAndReverse(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDB("ordered", false)
	require.NoError(t, err)

	keys := [][]byte{EncodeUint64(1), EncodeUint64(2), EncodeUint64(3), EncodeUint64(4)}
	require.NoError(t, env.Update(func(txn *RwTxn) error {
		for _, k := range keys {
			if err := txn.Put(db, k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	err = env.View(func(txn *RoTxn) error {
		cur, err := txn.Range(db, EncodeUint64(1), EncodeUint64(4), Forward)
		require.NoError(t, err)
		var got []uint64
		for {
			k, _, ok := cur.Next()
			if !ok {
				break
			}
			got = append(got, DecodeUint64(k))
		}
		require.Equal(t, []uint64{1, 2, 3}, got)

		cur, err = txn.Range(db, EncodeUint64(1), EncodeUint64(4), Reverse)
		require.NoError(t, err)
		got = nil
		for {
			k, _, ok := cur.Next()
			if !ok {
				break
			}
			got = append(got, DecodeUint64(k))
		}
		require.Equal(t, []uint64{3, 2, 1}, got)
		return nil
	})
	require.NoError(t, err)
}

func TestRwTxnSerializesWriters(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.OpenDB("things", false)
	require.NoError(t, err)

	txn1, err := env.BeginRW()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		txn2, err := env.BeginRW()
		require.NoError(t, err)
		txn2.Rollback()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second writer proceeded before the first one finished")
	default:
	}

	txn1.Rollback()
	<-done
}

func TestVersionMismatchIsLoud(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDB("things", false)
	require.NoError(t, err)

	// Write a raw value with an unexpected version byte, bypassing the
	// envelope's own encodeValue.
	require.NoError(t, env.Update(func(txn *RwTxn) error {
		b := txn.tx.Bucket([]byte("things"))
		return b.Put([]byte("a"), []byte{99, 'x'})
	}))

	err = env.View(func(txn *RoTxn) error {
		_, err := txn.Get(db, []byte("a"))
		return err
	})
	require.Error(t, err)
}
