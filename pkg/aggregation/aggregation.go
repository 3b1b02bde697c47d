// Package aggregation implements the stateful GROUP BY aggregation core of
// §4.7: a processor that folds upstream Insert/Delete/Update operations
// into per-group running state and emits the equivalent downstream
// Insert/Update/Delete sequence over the aggregated rows.
package aggregation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

// Kind names an aggregation function.
type Kind uint8

const (
	Sum Kind = iota
	Min
	MinAppendOnly
	MinValue
	Max
	MaxAppendOnly
	MaxValue
	Avg
	Count
)

func (k Kind) String() string {
	switch k {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case MinAppendOnly:
		return "min_append_only"
	case MinValue:
		return "min_value"
	case Max:
		return "max"
	case MaxAppendOnly:
		return "max_append_only"
	case MaxValue:
		return "max_value"
	case Avg:
		return "avg"
	case Count:
		return "count"
	default:
		return "unknown"
	}
}

// Measure is one aggregated output column: Field names its position in the
// input record, Kind the function applied over it.
type Measure struct {
	Field int
	Kind  Kind
}

// newAccumulator builds a fresh, zero-valued accumulator for one measure.
// MinValue/MaxValue behave identically to Min/Max at the state-machine
// level (see DESIGN.md): the distinction the spec draws between them is
// about which column the caller projects downstream, not about how the
// running state is kept.
func newAccumulator(kind Kind, fieldKind types.Kind) accumulator {
	switch kind {
	case Sum:
		return &sumState{}
	case Avg:
		return &sumState{isAvg: true}
	case Count:
		return &countState{}
	case Min, MinValue:
		return newMultisetState(fieldKind, false)
	case Max, MaxValue:
		return newMultisetState(fieldKind, true)
	case MinAppendOnly:
		return &extremumState{fieldKind: fieldKind, better: func(candidate, current types.Field) bool { return candidate.Compare(current) < 0 }}
	case MaxAppendOnly:
		return &extremumState{fieldKind: fieldKind, better: func(candidate, current types.Field) bool { return candidate.Compare(current) > 0 }}
	default:
		panic(fmt.Sprintf("aggregation: unknown measure kind %d", kind))
	}
}

// Processor is the stateful GROUP BY node. It owns one storage sub-database
// keyed by the length-prefixed concatenation of the encoded dimension-field
// values (groupKey; no hash is applied); the value is the group's row count
// plus a length-prefixed measure-state payload.
type Processor struct {
	env        *storage.Env
	db         storage.DbHandle
	dims       []int
	measures   []Measure
	fieldKinds []types.Kind
	outSchema  types.Schema
}

// Open binds a Processor to its own sub-database under env, deriving the
// output schema from the input schema's dimension and measure fields.
func Open(env *storage.Env, name string, dims []int, measures []Measure, inputSchema types.Schema) (*Processor, error) {
	db, err := env.OpenDB("agg_"+name, false)
	if err != nil {
		return nil, err
	}
	fieldKinds := make([]types.Kind, len(measures))
	for i, m := range measures {
		fieldKinds[i] = inputSchema.Fields[m.Field].Type
	}
	return &Processor{
		env:        env,
		db:         db,
		dims:       dims,
		measures:   measures,
		fieldKinds: fieldKinds,
		outSchema:  buildOutputSchema(dims, measures, inputSchema),
	}, nil
}

// OutputSchema returns the schema of rows this Processor emits.
func (p *Processor) OutputSchema() types.Schema { return p.outSchema }

// Process applies one upstream Operation and returns the downstream
// Operations it produces, per the emission rules of §4.7.
func (p *Processor) Process(op types.Operation) ([]types.Operation, error) {
	switch op.Kind {
	case types.OpInsert:
		return p.applyInsert(op.New)
	case types.OpDelete:
		return p.applyDelete(op.Old)
	case types.OpUpdate:
		oldKey, err := groupKey(p.dims, op.Old)
		if err != nil {
			return nil, err
		}
		newKey, err := groupKey(p.dims, op.New)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(oldKey, newKey) {
			return p.applyUpdateSameGroup(oldKey, op.Old, op.New)
		}
		var out []types.Operation
		delOps, err := p.applyDelete(op.Old)
		if err != nil {
			return nil, err
		}
		insOps, err := p.applyInsert(op.New)
		if err != nil {
			return nil, err
		}
		out = append(out, delOps...)
		out = append(out, insOps...)
		return out, nil
	case types.OpBatchInsert:
		var out []types.Operation
		for _, rec := range op.NewBatch {
			ops, err := p.applyInsert(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, ops...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("aggregation: unsupported operation kind %v", op.Kind)
	}
}

func (p *Processor) applyInsert(rec types.Record) ([]types.Operation, error) {
	key, err := groupKey(p.dims, rec)
	if err != nil {
		return nil, err
	}

	var result []types.Operation
	err = p.env.Update(func(txn *storage.RwTxn) error {
		count, accs, existed, err := p.loadGroup(txn, key)
		if err != nil {
			return err
		}

		var oldRec types.Record
		if existed {
			oldRec = p.buildRecord(rec, accs)
		}
		for i, m := range p.measures {
			accs[i].Insert(rec.Values[m.Field])
		}
		count++
		if err := p.saveGroup(txn, key, count, accs); err != nil {
			return err
		}

		newRec := p.buildRecord(rec, accs)
		if existed {
			result = []types.Operation{types.UpdateOp(oldRec, newRec)}
		} else {
			result = []types.Operation{types.InsertOp(newRec)}
		}
		return nil
	})
	return result, err
}

func (p *Processor) applyDelete(rec types.Record) ([]types.Operation, error) {
	key, err := groupKey(p.dims, rec)
	if err != nil {
		return nil, err
	}

	var result []types.Operation
	err = p.env.Update(func(txn *storage.RwTxn) error {
		count, accs, existed, err := p.loadGroup(txn, key)
		if err != nil {
			return err
		}
		if !existed {
			return nil
		}

		oldRec := p.buildRecord(rec, accs)
		for i, m := range p.measures {
			accs[i].Delete(rec.Values[m.Field])
		}
		if count <= 1 {
			if err := txn.Del(p.db, key); err != nil {
				return err
			}
			result = []types.Operation{types.DeleteOp(oldRec)}
			return nil
		}
		count--
		if err := p.saveGroup(txn, key, count, accs); err != nil {
			return err
		}
		newRec := p.buildRecord(rec, accs)
		result = []types.Operation{types.UpdateOp(oldRec, newRec)}
		return nil
	})
	return result, err
}

func (p *Processor) applyUpdateSameGroup(key []byte, old, updated types.Record) ([]types.Operation, error) {
	var result []types.Operation
	err := p.env.Update(func(txn *storage.RwTxn) error {
		count, accs, existed, err := p.loadGroup(txn, key)
		if err != nil {
			return err
		}
		if !existed {
			return fmt.Errorf("aggregation: update for a group with no prior insert")
		}

		oldRec := p.buildRecord(old, accs)
		for i, m := range p.measures {
			accs[i].Delete(old.Values[m.Field])
			accs[i].Insert(updated.Values[m.Field])
		}
		if err := p.saveGroup(txn, key, count, accs); err != nil {
			return err
		}
		newRec := p.buildRecord(updated, accs)
		result = []types.Operation{types.UpdateOp(oldRec, newRec)}
		return nil
	})
	return result, err
}

func (p *Processor) loadGroup(txn *storage.RwTxn, key []byte) (uint64, []accumulator, bool, error) {
	accs := make([]accumulator, len(p.measures))
	for i, m := range p.measures {
		accs[i] = newAccumulator(m.Kind, p.fieldKinds[i])
	}

	v, err := txn.Get(p.db, key)
	if err != nil {
		return 0, nil, false, err
	}
	if v == nil {
		return 0, accs, false, nil
	}

	count, states, err := decodeGroupValue(v, len(p.measures))
	if err != nil {
		return 0, nil, false, err
	}
	for i, s := range states {
		if err := accs[i].Load(s); err != nil {
			return 0, nil, false, err
		}
	}
	return count, accs, true, nil
}

func (p *Processor) saveGroup(txn *storage.RwTxn, key []byte, count uint64, accs []accumulator) error {
	states := make([][]byte, len(accs))
	for i, a := range accs {
		b, err := a.Marshal()
		if err != nil {
			return err
		}
		states[i] = b
	}
	return txn.Put(p.db, key, encodeGroupValue(count, states))
}

func (p *Processor) buildRecord(rec types.Record, accs []accumulator) types.Record {
	vals := make([]types.Field, 0, len(p.dims)+len(accs))
	for _, d := range p.dims {
		vals = append(vals, rec.Values[d])
	}
	for _, a := range accs {
		vals = append(vals, a.Result())
	}
	return types.Record{Values: vals}
}

// groupKey derives a stable, order-preserving-irrelevant group identity
// from the dimension fields: a length-prefixed concatenation of each
// dimension's encoded bytes, so distinct field combinations never collide
// across a boundary.
func groupKey(dims []int, rec types.Record) ([]byte, error) {
	var out []byte
	for _, pos := range dims {
		v := rec.Values[pos]
		var enc []byte
		if !v.IsNull() {
			var err error
			enc, err = v.Encode()
			if err != nil {
				return nil, fmt.Errorf("aggregation: encoding dimension field %d: %w", pos, err)
			}
		}
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(enc)))
		out = append(out, lenPrefix[:]...)
		out = append(out, enc...)
	}
	return out, nil
}

// encodeGroupValue frames a group's row count and its per-measure states as
// `u64 count || (u16 len || bytes)*`, per §4.7.
func encodeGroupValue(count uint64, states [][]byte) []byte {
	out := make([]byte, 8, 8+len(states)*2)
	binary.BigEndian.PutUint64(out[:8], count)
	for _, s := range states {
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(s)))
		out = append(out, lenPrefix[:]...)
		out = append(out, s...)
	}
	return out
}

func decodeGroupValue(b []byte, n int) (uint64, [][]byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("aggregation: truncated group value")
	}
	count := binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	states := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("aggregation: truncated measure state %d", i)
		}
		l := binary.BigEndian.Uint16(b[:2])
		b = b[2:]
		if len(b) < int(l) {
			return 0, nil, fmt.Errorf("aggregation: truncated measure state %d", i)
		}
		states = append(states, b[:l])
		b = b[l:]
	}
	return count, states, nil
}

func buildOutputSchema(dims []int, measures []Measure, in types.Schema) types.Schema {
	fields := make([]types.FieldDefinition, 0, len(dims)+len(measures))
	for _, d := range dims {
		fields = append(fields, in.Fields[d])
	}
	for _, m := range measures {
		var kind types.Kind
		switch m.Kind {
		case Sum, Avg:
			kind = types.KindDecimal
		case Count:
			kind = types.KindUInt
		default:
			kind = in.Fields[m.Field].Type
		}
		fields = append(fields, types.FieldDefinition{
			Name:     measureName(in.Fields[m.Field].Name, m.Kind),
			Type:     kind,
			Nullable: true,
		})
	}
	indexes := make([]int, len(dims))
	for i := range indexes {
		indexes[i] = i
	}
	return types.Schema{Fields: fields, PrimaryIndex: indexes}
}

func measureName(field string, k Kind) string {
	return strings.ToLower(k.String()) + "_" + field
}
