package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministicForSameValues(t *testing.T) {
	s := sampleSchema()
	r := Record{Values: []Field{UInt(7), String("a")}}

	k1, err := Key(s, r)
	require.NoError(t, err)
	k2, err := Key(s, r)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKeyDiffersForDifferentValues(t *testing.T) {
	s := sampleSchema()
	k1, err := Key(s, Record{Values: []Field{UInt(1), String("a")}})
	require.NoError(t, err)
	k2, err := Key(s, Record{Values: []Field{UInt(2), String("a")}})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestKeyRejectsSchemaWithoutPrimaryKey(t *testing.T) {
	s := sampleSchema()
	s.PrimaryIndex = nil
	_, err := Key(s, Record{Values: []Field{UInt(1), String("a")}})
	assert.Error(t, err)
}

func TestKeyRejectsNullPrimaryKeyField(t *testing.T) {
	s := Schema{
		Fields:       []FieldDefinition{{Name: "id", Type: KindUInt, Nullable: true}},
		PrimaryIndex: []int{0},
	}
	_, err := Key(s, Record{Values: []Field{NullField()}})
	assert.Error(t, err)
}

func TestKeyRejectsShortRecord(t *testing.T) {
	s := sampleSchema()
	_, err := Key(s, Record{Values: []Field{UInt(1)}})
	assert.Error(t, err)
}

func TestKeyCompositePrimaryKeyDoesNotBleedAcrossParts(t *testing.T) {
	s := Schema{
		Fields: []FieldDefinition{
			{Name: "a", Type: KindString},
			{Name: "b", Type: KindString},
		},
		PrimaryIndex: []int{0, 1},
	}
	k1, err := Key(s, Record{Values: []Field{String("ab"), String("c")}})
	require.NoError(t, err)
	k2, err := Key(s, Record{Values: []Field{String("a"), String("bc")}})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}
