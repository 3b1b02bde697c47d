package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Kind tags the concrete variant carried by a Field or named by a
// FieldDefinition's Type. KindNull only ever appears on a Field value; a
// FieldDefinition never declares KindNull as its Type (nullability is
// tracked separately on FieldDefinition.Nullable).
type Kind uint8

const (
	KindNull Kind = iota
	KindUInt
	KindU128
	KindInt
	KindI128
	KindFloat
	KindBoolean
	KindString
	KindText
	KindBinary
	KindDecimal
	KindTimestamp
	KindDate
	KindJSON
	KindPoint
	KindDuration
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindUInt:
		return "UInt"
	case KindU128:
		return "U128"
	case KindInt:
		return "Int"
	case KindI128:
		return "I128"
	case KindFloat:
		return "Float"
	case KindBoolean:
		return "Boolean"
	case KindString:
		return "String"
	case KindText:
		return "Text"
	case KindBinary:
		return "Binary"
	case KindDecimal:
		return "Decimal"
	case KindTimestamp:
		return "Timestamp"
	case KindDate:
		return "Date"
	case KindJSON:
		return "Json"
	case KindPoint:
		return "Point"
	case KindDuration:
		return "Duration"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Point is a 2D coordinate, used by the Point field variant.
type Point struct {
	X, Y float64
}

// Field is a tagged value. Exactly one of its payload fields is meaningful,
// selected by Kind; the zero value is Null. A non-Null Field always carries
// a payload consistent with the schema field type it was produced for —
// nullability is a property of the owning FieldDefinition, not of Field
// itself.
type Field struct {
	Kind      Kind
	UIntVal   uint64
	U128Val   *uint256.Int
	IntVal    int64
	I128Val   *uint256.Int
	FloatVal  float64
	BoolVal   bool
	StrVal    string // backs both String and Text
	BinVal    []byte
	DecVal    decimal.Decimal
	TimeVal   time.Time // backs both Timestamp and Date
	JSONVal   []byte
	PointVal  Point
	DurVal    time.Duration
}

func NullField() Field                { return Field{Kind: KindNull} }
func UInt(v uint64) Field             { return Field{Kind: KindUInt, UIntVal: v} }
func U128(v *uint256.Int) Field       { return Field{Kind: KindU128, U128Val: v} }
func Int(v int64) Field               { return Field{Kind: KindInt, IntVal: v} }
func I128(v *uint256.Int) Field       { return Field{Kind: KindI128, I128Val: v} }
func Float(v float64) Field           { return Field{Kind: KindFloat, FloatVal: v} }
func Boolean(v bool) Field            { return Field{Kind: KindBoolean, BoolVal: v} }
func String(v string) Field           { return Field{Kind: KindString, StrVal: v} }
func Text(v string) Field             { return Field{Kind: KindText, StrVal: v} }
func Binary(v []byte) Field           { return Field{Kind: KindBinary, BinVal: v} }
func Decimal(v decimal.Decimal) Field { return Field{Kind: KindDecimal, DecVal: v} }
func Timestamp(v time.Time) Field     { return Field{Kind: KindTimestamp, TimeVal: v.UTC()} }
func Date(v time.Time) Field {
	y, m, d := v.UTC().Date()
	return Field{Kind: KindDate, TimeVal: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}
func JSON(v []byte) Field           { return Field{Kind: KindJSON, JSONVal: v} }
func PointField(v Point) Field      { return Field{Kind: KindPoint, PointVal: v} }
func Duration(v time.Duration) Field { return Field{Kind: KindDuration, DurVal: v} }

func (f Field) IsNull() bool { return f.Kind == KindNull }

// Encode produces a deterministic, order-preserving-where-meaningful byte
// encoding of the field, used for primary-key concatenation and content
// hashing in the cache environment. Null never reaches here: callers must
// reject nulls used to form record identity before calling Encode.
func (f Field) Encode() ([]byte, error) {
	switch f.Kind {
	case KindNull:
		return nil, fmt.Errorf("types: cannot encode a null field into a key")
	case KindUInt:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, f.UIntVal)
		return b, nil
	case KindU128, KindI128:
		v := f.U128Val
		if f.Kind == KindI128 {
			v = f.I128Val
		}
		if v == nil {
			v = new(uint256.Int)
		}
		b := v.Bytes32()
		return b[:], nil
	case KindInt:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.IntVal)^(1<<63))
		return b, nil
	case KindFloat:
		bits := math.Float64bits(f.FloatVal)
		if f.FloatVal < 0 || (f.FloatVal == 0 && math.Signbit(f.FloatVal)) {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, bits)
		return b, nil
	case KindBoolean:
		if f.BoolVal {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindString, KindText:
		return []byte(f.StrVal), nil
	case KindBinary:
		return f.BinVal, nil
	case KindDecimal:
		return []byte(f.DecVal.String()), nil
	case KindTimestamp, KindDate:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.TimeVal.UnixNano()))
		return b, nil
	case KindJSON:
		return f.JSONVal, nil
	case KindPoint:
		b := make([]byte, 16)
		binary.BigEndian.PutUint64(b[0:8], math.Float64bits(f.PointVal.X))
		binary.BigEndian.PutUint64(b[8:16], math.Float64bits(f.PointVal.Y))
		return b, nil
	case KindDuration:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.DurVal))
		return b, nil
	default:
		return nil, fmt.Errorf("types: unknown field kind %v", f.Kind)
	}
}

// Compare imposes a total order between two fields of the same Kind. It
// is used by the aggregation core's ordered multiset for Min/Max tracking.
// Comparing fields of different Kind is a programmer error and panics,
// since the aggregation pipeline never mixes types within one measure.
func (f Field) Compare(other Field) int {
	if f.Kind != other.Kind {
		panic(fmt.Sprintf("types: cannot compare field kinds %v and %v", f.Kind, other.Kind))
	}
	switch f.Kind {
	case KindNull:
		return 0
	case KindUInt:
		return cmpUint64(f.UIntVal, other.UIntVal)
	case KindU128:
		return f.U128Val.Cmp(other.U128Val)
	case KindInt:
		return cmpInt64(f.IntVal, other.IntVal)
	case KindI128:
		return f.I128Val.Cmp(other.I128Val)
	case KindFloat:
		return cmpFloatTotal(f.FloatVal, other.FloatVal)
	case KindBoolean:
		return cmpBool(f.BoolVal, other.BoolVal)
	case KindString, KindText:
		if f.StrVal < other.StrVal {
			return -1
		} else if f.StrVal > other.StrVal {
			return 1
		}
		return 0
	case KindBinary:
		return cmpBytes(f.BinVal, other.BinVal)
	case KindDecimal:
		return f.DecVal.Cmp(other.DecVal)
	case KindTimestamp, KindDate:
		if f.TimeVal.Before(other.TimeVal) {
			return -1
		} else if f.TimeVal.After(other.TimeVal) {
			return 1
		}
		return 0
	case KindDuration:
		return cmpInt64(int64(f.DurVal), int64(other.DurVal))
	default:
		panic(fmt.Sprintf("types: field kind %v has no total order", f.Kind))
	}
}

// cmpFloatTotal gives f64 a total order (including NaN), matching the
// spec's "Float(f64 with total order)" requirement: NaN sorts below every
// other value, consistent regardless of sign bit permutations.
func cmpFloatTotal(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func cmpBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return cmpInt64(int64(len(a)), int64(len(b)))
}
