package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdozer/dozer/pkg/cachebuilder"
	"github.com/getdozer/dozer/pkg/index"
	"github.com/getdozer/dozer/pkg/types"
)

func usersSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.KindUInt},
			{Name: "name", Type: types.KindString},
			{Name: "age", Type: types.KindUInt},
			{Name: "bio", Type: types.KindText, Nullable: true},
		},
		PrimaryIndex: []int{0},
	}
}

func userRec(id uint64, name string, age uint64, bio string) types.Record {
	return types.Record{Values: []types.Field{
		types.UInt(id), types.String(name), types.UInt(age), types.String(bio),
	}}
}

func newUsersBuilder(t *testing.T) *cachebuilder.Builder {
	t.Helper()
	meta := types.EndpointMeta{Name: "users", LogID: "gen-1", Schema: usersSchema()}
	defs := []index.Definition{
		{Name: "by_age", Kind: index.KindSortedInverted, Fields: []int{2}},
		{Name: "by_bio", Kind: index.KindFullText, Fields: []int{3}},
	}
	b, err := cachebuilder.New(t.TempDir(), meta, types.ConflictResolution{}, defs, 64, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func insertUser(t *testing.T, b *cachebuilder.Builder, pos uint64, rec types.Record) {
	t.Helper()
	err := b.ProcessOp(types.OpAndPos{Op: types.RecordLogOp(types.InsertOp(rec)), Pos: pos})
	require.NoError(t, err)
}

func TestExecuteQueryPointLookupByPrimaryKey(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 30, "likes go"))
	insertUser(t, b, 1, userRec(2, "bob", 40, "likes rust"))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Eq: map[string]interface{}{"id": float64(2)}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, userRec(2, "bob", 40, "likes rust"), records[0])
}

func TestExecuteQueryPointLookupMissingReturnsEmpty(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 30, "likes go"))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Eq: map[string]interface{}{"id": float64(999)}},
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecuteQueryIndexedEquality(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 30, "likes go"))
	insertUser(t, b, 1, userRec(2, "bob", 30, "likes rust"))
	insertUser(t, b, 2, userRec(3, "carl", 40, "likes c"))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Index: "by_age", Eq: map[string]interface{}{"age": float64(30)}},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecuteQueryIndexedRange(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 20, ""))
	insertUser(t, b, 1, userRec(2, "bob", 30, ""))
	insertUser(t, b, 2, userRec(3, "carl", 40, ""))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Index: "by_age", Gte: map[string]interface{}{"age": float64(25)}},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecuteQueryIndexedRangeRespectsLimitAndSkip(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 10, ""))
	insertUser(t, b, 1, userRec(2, "bob", 20, ""))
	insertUser(t, b, 2, userRec(3, "carl", 30, ""))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Index: "by_age", Gte: map[string]interface{}{"age": float64(0)}},
		Skip:   1,
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bob", records[0].Values[1].StrVal)
}

func TestExecuteQueryFullTextContains(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 30, "loves the go programming language"))
	insertUser(t, b, 1, userRec(2, "bob", 40, "loves rust"))

	records, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Index: "by_bio", Contains: "go"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Values[1].StrVal)
}

func TestExecuteQueryUnknownIndexReturnsNoIndexError(t *testing.T) {
	b := newUsersBuilder(t)
	insertUser(t, b, 0, userRec(1, "alice", 30, ""))

	_, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{
		Filter: &FilterRequest{Index: "by_nowhere", Eq: map[string]interface{}{"age": float64(1)}},
	})
	var noIdx *types.NoIndexError
	require.ErrorAs(t, err, &noIdx)
}

func TestExecuteQueryPointLookupRequiresEqFilter(t *testing.T) {
	b := newUsersBuilder(t)
	_, err := ExecuteQuery("users", b.Serving(), usersSchema(), QueryRequest{})
	require.Error(t, err)
	var qe *types.QueryError
	require.ErrorAs(t, err, &qe)
}
