package aggregation

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/getdozer/dozer/pkg/types"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// accumulator is the per-measure state a group carries between operations.
// Insert/Delete mutate the running state; Result projects it to the output
// Field; Marshal/Load round-trip it through the storage envelope.
type accumulator interface {
	Insert(v types.Field)
	Delete(v types.Field)
	Result() types.Field
	Marshal() ([]byte, error)
	Load(b []byte) error
}

// sumState backs Sum and Avg. It keeps an exact running total via
// shopspring/decimal rather than float64, so a long insert/delete sequence
// never drifts.
type sumState struct {
	isAvg bool
	total decimal.Decimal
	count uint64
}

func (s *sumState) Insert(v types.Field) {
	s.total = s.total.Add(toDecimal(v))
	s.count++
}

func (s *sumState) Delete(v types.Field) {
	s.total = s.total.Sub(toDecimal(v))
	if s.count > 0 {
		s.count--
	}
}

func (s *sumState) Result() types.Field {
	if s.isAvg {
		if s.count == 0 {
			return types.NullField()
		}
		return types.Decimal(s.total.Div(decimal.NewFromInt(int64(s.count))))
	}
	return types.Decimal(s.total)
}

func (s *sumState) Marshal() ([]byte, error) {
	b := []byte(s.total.String())
	out := make([]byte, 8+len(b))
	binary.BigEndian.PutUint64(out[:8], s.count)
	copy(out[8:], b)
	return out, nil
}

func (s *sumState) Load(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("aggregation: truncated sum state")
	}
	s.count = binary.BigEndian.Uint64(b[:8])
	if len(b) == 8 {
		s.total = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b[8:]))
	if err != nil {
		return fmt.Errorf("aggregation: invalid sum state: %w", err)
	}
	s.total = d
	return nil
}

// countState backs Count.
type countState struct {
	n uint64
}

func (s *countState) Insert(types.Field) { s.n++ }
func (s *countState) Delete(types.Field) {
	if s.n > 0 {
		s.n--
	}
}
func (s *countState) Result() types.Field { return types.UInt(s.n) }
func (s *countState) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, s.n)
	return b, nil
}
func (s *countState) Load(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("aggregation: truncated count state")
	}
	s.n = binary.BigEndian.Uint64(b)
	return nil
}

// extremumState backs MinAppendOnly/MaxAppendOnly: no deletions ever
// arrive for an append-only schema, so the current best value is all the
// state that's needed.
type extremumState struct {
	fieldKind types.Kind
	better    func(candidate, current types.Field) bool
	current   *types.Field
	hasValue  bool
}

func (s *extremumState) Insert(v types.Field) {
	if !s.hasValue || s.better(v, *s.current) {
		val := v
		s.current = &val
		s.hasValue = true
	}
}

func (s *extremumState) Delete(types.Field) {
	panic("aggregation: delete against an append-only min/max accumulator")
}

func (s *extremumState) Result() types.Field {
	if !s.hasValue {
		return types.NullField()
	}
	return *s.current
}

func (s *extremumState) Marshal() ([]byte, error) {
	if !s.hasValue {
		return nil, nil
	}
	return encodeFieldValue(*s.current), nil
}

func (s *extremumState) Load(b []byte) error {
	if len(b) == 0 {
		s.hasValue = false
		s.current = nil
		return nil
	}
	v, err := decodeFieldValue(s.fieldKind, b)
	if err != nil {
		return err
	}
	s.current = &v
	s.hasValue = true
	return nil
}

// multisetItem is one distinct value in a deletable Min/Max multiset, with
// the number of rows currently carrying it.
type multisetItem struct {
	Value types.Field
	Count uint64
}

func lessItem(a, b multisetItem) bool { return a.Value.Compare(b.Value) < 0 }

// multisetState backs Min, MinValue, Max and MaxValue: deletable extrema
// need an ordered multiset of every value still present in the group, since
// deleting the current extremum must fall back to the next one (§4.7).
type multisetState struct {
	fieldKind types.Kind
	wantMax   bool
	tree      *btree.BTreeG[multisetItem]
}

func newMultisetState(fieldKind types.Kind, wantMax bool) *multisetState {
	return &multisetState{fieldKind: fieldKind, wantMax: wantMax, tree: btree.NewG(32, lessItem)}
}

func (s *multisetState) Insert(v types.Field) {
	item, ok := s.tree.Get(multisetItem{Value: v})
	if ok {
		item.Count++
		s.tree.ReplaceOrInsert(item)
		return
	}
	s.tree.ReplaceOrInsert(multisetItem{Value: v, Count: 1})
}

func (s *multisetState) Delete(v types.Field) {
	item, ok := s.tree.Get(multisetItem{Value: v})
	if !ok {
		return
	}
	if item.Count <= 1 {
		s.tree.Delete(item)
		return
	}
	item.Count--
	s.tree.ReplaceOrInsert(item)
}

func (s *multisetState) Result() types.Field {
	var item multisetItem
	var ok bool
	if s.wantMax {
		item, ok = s.tree.Max()
	} else {
		item, ok = s.tree.Min()
	}
	if !ok {
		return types.NullField()
	}
	return item.Value
}

func (s *multisetState) Marshal() ([]byte, error) {
	var buf []byte
	s.tree.Ascend(func(item multisetItem) bool {
		enc := encodeFieldValue(item.Value)
		var head [12]byte
		binary.BigEndian.PutUint32(head[:4], uint32(len(enc)))
		binary.BigEndian.PutUint64(head[4:], item.Count)
		buf = append(buf, head[:]...)
		buf = append(buf, enc...)
		return true
	})
	return buf, nil
}

func (s *multisetState) Load(b []byte) error {
	s.tree.Clear(false)
	for len(b) > 0 {
		if len(b) < 12 {
			return fmt.Errorf("aggregation: truncated multiset entry header")
		}
		l := binary.BigEndian.Uint32(b[:4])
		count := binary.BigEndian.Uint64(b[4:12])
		b = b[12:]
		if uint32(len(b)) < l {
			return fmt.Errorf("aggregation: truncated multiset entry value")
		}
		val, err := decodeFieldValue(s.fieldKind, b[:l])
		if err != nil {
			return err
		}
		b = b[l:]
		s.tree.ReplaceOrInsert(multisetItem{Value: val, Count: count})
	}
	return nil
}

// toDecimal widens a numeric Field to decimal.Decimal for Sum/Avg. Any
// other kind widens to zero; the input field of a Sum/Avg measure is not
// checked to be numeric.
func toDecimal(f types.Field) decimal.Decimal {
	switch f.Kind {
	case types.KindUInt:
		return decimal.NewFromInt(int64(f.UIntVal))
	case types.KindInt:
		return decimal.NewFromInt(f.IntVal)
	case types.KindFloat:
		return decimal.NewFromFloat(f.FloatVal)
	case types.KindDecimal:
		return f.DecVal
	default:
		return decimal.Zero
	}
}

// encodeFieldValue serializes a Field's value for on-disk persistence. This
// is independent of Field.Encode, which is a one-way order-preserving
// transform with no matching decoder; encodeFieldValue/decodeFieldValue
// exist purely to round-trip an accumulator's stored extremum or multiset
// entries.
func encodeFieldValue(f types.Field) []byte {
	switch f.Kind {
	case types.KindUInt:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, f.UIntVal)
		return b
	case types.KindInt:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.IntVal))
		return b
	case types.KindFloat:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(f.FloatVal))
		return b
	case types.KindBoolean:
		if f.BoolVal {
			return []byte{1}
		}
		return []byte{0}
	case types.KindString, types.KindText:
		return []byte(f.StrVal)
	case types.KindBinary:
		return f.BinVal
	case types.KindDecimal:
		return []byte(f.DecVal.String())
	case types.KindTimestamp, types.KindDate:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.TimeVal.UnixNano()))
		return b
	case types.KindDuration:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(f.DurVal))
		return b
	default:
		enc, _ := f.Encode()
		return enc
	}
}

func decodeFieldValue(kind types.Kind, b []byte) (types.Field, error) {
	switch kind {
	case types.KindUInt:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad uint field encoding")
		}
		return types.UInt(binary.BigEndian.Uint64(b)), nil
	case types.KindInt:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad int field encoding")
		}
		return types.Int(int64(binary.BigEndian.Uint64(b))), nil
	case types.KindFloat:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad float field encoding")
		}
		return types.Float(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case types.KindBoolean:
		return types.Boolean(len(b) > 0 && b[0] == 1), nil
	case types.KindString:
		return types.String(string(b)), nil
	case types.KindText:
		return types.Text(string(b)), nil
	case types.KindBinary:
		cp := make([]byte, len(b))
		copy(cp, b)
		return types.Binary(cp), nil
	case types.KindDecimal:
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return types.Field{}, fmt.Errorf("aggregation: bad decimal field encoding: %w", err)
		}
		return types.Decimal(d), nil
	case types.KindTimestamp:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad timestamp field encoding")
		}
		return types.Timestamp(time.Unix(0, int64(binary.BigEndian.Uint64(b)))), nil
	case types.KindDate:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad date field encoding")
		}
		return types.Date(time.Unix(0, int64(binary.BigEndian.Uint64(b)))), nil
	case types.KindDuration:
		if len(b) != 8 {
			return types.Field{}, fmt.Errorf("aggregation: bad duration field encoding")
		}
		return types.Duration(time.Duration(binary.BigEndian.Uint64(b))), nil
	default:
		return types.Field{}, fmt.Errorf("aggregation: unsupported measure field kind %v", kind)
	}
}
