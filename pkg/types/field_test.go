package types

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFieldEncodePreservesUintOrder(t *testing.T) {
	a, _ := UInt(1).Encode()
	b, _ := UInt(2).Encode()
	assert.Equal(t, -1, cmpBytes(a, b))
}

func TestFieldEncodePreservesIntOrderAcrossSign(t *testing.T) {
	neg, _ := Int(-5).Encode()
	pos, _ := Int(5).Encode()
	assert.Equal(t, -1, cmpBytes(neg, pos))
}

func TestFieldEncodePreservesFloatOrderAcrossSign(t *testing.T) {
	neg, _ := Float(-1.5).Encode()
	zero, _ := Float(0).Encode()
	pos, _ := Float(1.5).Encode()
	assert.Equal(t, -1, cmpBytes(neg, zero))
	assert.Equal(t, -1, cmpBytes(zero, pos))
}

func TestFieldEncodeRejectsNull(t *testing.T) {
	_, err := NullField().Encode()
	assert.Error(t, err)
}

func TestFieldCompareTotalOrderOnFloatsWithNaN(t *testing.T) {
	nan := Float(math.NaN())
	neg := Float(math.Inf(-1))
	pos := Float(math.Inf(1))

	assert.Equal(t, -1, nan.Compare(neg))
	assert.Equal(t, -1, nan.Compare(pos))
	assert.Equal(t, 0, nan.Compare(Float(math.NaN())))
	assert.Equal(t, -1, neg.Compare(pos))
}

func TestFieldComparePanicsOnKindMismatch(t *testing.T) {
	assert.Panics(t, func() {
		Int(1).Compare(Float(1))
	})
}

func TestFieldCompareStrings(t *testing.T) {
	assert.Equal(t, -1, String("a").Compare(String("b")))
	assert.Equal(t, 0, Text("x").Compare(Text("x")))
}

func TestFieldCompareDecimal(t *testing.T) {
	a := Decimal(decimal.NewFromFloat(1.1))
	b := Decimal(decimal.NewFromFloat(1.2))
	assert.Equal(t, -1, a.Compare(b))
}

func TestFieldCompareTimestamp(t *testing.T) {
	t0 := Timestamp(time.Unix(100, 0))
	t1 := Timestamp(time.Unix(200, 0))
	assert.Equal(t, -1, t0.Compare(t1))
}

func TestDateTruncatesToMidnightUTC(t *testing.T) {
	d := Date(time.Date(2024, 3, 1, 13, 45, 0, 0, time.FixedZone("x", 3600)))
	assert.Equal(t, 0, d.TimeVal.Hour())
	assert.Equal(t, time.UTC, d.TimeVal.Location())
}

func TestIsNull(t *testing.T) {
	assert.True(t, NullField().IsNull())
	assert.False(t, Int(0).IsNull())
}
