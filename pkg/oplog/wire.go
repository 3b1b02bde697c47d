package oplog

import (
	"fmt"
	"time"

	"github.com/getdozer/dozer/pkg/types"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// wireField is the on-disk shape of types.Field. Field's Go representation
// carries typed payload fields (*uint256.Int, decimal.Decimal, time.Time)
// that do not round-trip through msgpack on their own, so the wire form
// flattens them to primitives and strings.
type wireField struct {
	Kind     uint8  `msgpack:"k"`
	UIntVal  uint64 `msgpack:"u,omitempty"`
	U128Val  []byte `msgpack:"u128,omitempty"`
	IntVal   int64  `msgpack:"i,omitempty"`
	I128Val  []byte `msgpack:"i128,omitempty"`
	FloatVal float64 `msgpack:"f,omitempty"`
	BoolVal  bool   `msgpack:"b,omitempty"`
	StrVal   string `msgpack:"s,omitempty"`
	BinVal   []byte `msgpack:"bin,omitempty"`
	DecVal   string `msgpack:"dec,omitempty"`
	TimeVal  int64  `msgpack:"t,omitempty"`
	JSONVal  []byte `msgpack:"j,omitempty"`
	PointX   float64 `msgpack:"px,omitempty"`
	PointY   float64 `msgpack:"py,omitempty"`
	DurVal   int64  `msgpack:"d,omitempty"`
}

func toWireField(f types.Field) wireField {
	w := wireField{Kind: uint8(f.Kind)}
	switch f.Kind {
	case types.KindUInt:
		w.UIntVal = f.UIntVal
	case types.KindU128:
		if f.U128Val != nil {
			b := f.U128Val.Bytes32()
			w.U128Val = b[:]
		}
	case types.KindInt:
		w.IntVal = f.IntVal
	case types.KindI128:
		if f.I128Val != nil {
			b := f.I128Val.Bytes32()
			w.I128Val = b[:]
		}
	case types.KindFloat:
		w.FloatVal = f.FloatVal
	case types.KindBoolean:
		w.BoolVal = f.BoolVal
	case types.KindString, types.KindText:
		w.StrVal = f.StrVal
	case types.KindBinary:
		w.BinVal = f.BinVal
	case types.KindDecimal:
		w.DecVal = f.DecVal.String()
	case types.KindTimestamp, types.KindDate:
		w.TimeVal = f.TimeVal.UnixNano()
	case types.KindJSON:
		w.JSONVal = f.JSONVal
	case types.KindPoint:
		w.PointX = f.PointVal.X
		w.PointY = f.PointVal.Y
	case types.KindDuration:
		w.DurVal = int64(f.DurVal)
	}
	return w
}

func fromWireField(w wireField) (types.Field, error) {
	kind := types.Kind(w.Kind)
	switch kind {
	case types.KindNull:
		return types.NullField(), nil
	case types.KindUInt:
		return types.UInt(w.UIntVal), nil
	case types.KindU128:
		return types.U128(new(uint256.Int).SetBytes(w.U128Val)), nil
	case types.KindInt:
		return types.Int(w.IntVal), nil
	case types.KindI128:
		return types.I128(new(uint256.Int).SetBytes(w.I128Val)), nil
	case types.KindFloat:
		return types.Float(w.FloatVal), nil
	case types.KindBoolean:
		return types.Boolean(w.BoolVal), nil
	case types.KindString:
		return types.String(w.StrVal), nil
	case types.KindText:
		return types.Text(w.StrVal), nil
	case types.KindBinary:
		return types.Binary(w.BinVal), nil
	case types.KindDecimal:
		d, err := decimal.NewFromString(w.DecVal)
		if err != nil {
			return types.Field{}, fmt.Errorf("oplog: decoding decimal field: %w", err)
		}
		return types.Decimal(d), nil
	case types.KindTimestamp:
		return types.Timestamp(time.Unix(0, w.TimeVal)), nil
	case types.KindDate:
		return types.Date(time.Unix(0, w.TimeVal)), nil
	case types.KindJSON:
		return types.JSON(w.JSONVal), nil
	case types.KindPoint:
		return types.PointField(types.Point{X: w.PointX, Y: w.PointY}), nil
	case types.KindDuration:
		return types.Duration(time.Duration(w.DurVal)), nil
	default:
		return types.Field{}, fmt.Errorf("oplog: unknown field kind %d", w.Kind)
	}
}

type wireRecord struct {
	Values   []wireField `msgpack:"v"`
	Lifetime *int64      `msgpack:"l,omitempty"`
}

func toWireRecord(r types.Record) wireRecord {
	w := wireRecord{Values: make([]wireField, len(r.Values))}
	for i, f := range r.Values {
		w.Values[i] = toWireField(f)
	}
	if r.Lifetime != nil {
		ns := r.Lifetime.UnixNano()
		w.Lifetime = &ns
	}
	return w
}

func fromWireRecord(w wireRecord) (types.Record, error) {
	r := types.Record{Values: make([]types.Field, len(w.Values))}
	for i, wf := range w.Values {
		f, err := fromWireField(wf)
		if err != nil {
			return types.Record{}, err
		}
		r.Values[i] = f
	}
	if w.Lifetime != nil {
		t := time.Unix(0, *w.Lifetime)
		r.Lifetime = &t
	}
	return r, nil
}

type wireOperation struct {
	Kind     uint8        `msgpack:"k"`
	Old      *wireRecord  `msgpack:"old,omitempty"`
	New      *wireRecord  `msgpack:"new,omitempty"`
	NewBatch []wireRecord `msgpack:"batch,omitempty"`
}

func toWireOperation(op types.Operation) wireOperation {
	w := wireOperation{Kind: uint8(op.Kind)}
	switch op.Kind {
	case types.OpInsert:
		r := toWireRecord(op.New)
		w.New = &r
	case types.OpDelete:
		r := toWireRecord(op.Old)
		w.Old = &r
	case types.OpUpdate:
		o := toWireRecord(op.Old)
		n := toWireRecord(op.New)
		w.Old, w.New = &o, &n
	case types.OpBatchInsert:
		w.NewBatch = make([]wireRecord, len(op.NewBatch))
		for i, r := range op.NewBatch {
			w.NewBatch[i] = toWireRecord(r)
		}
	}
	return w
}

// EncodeOperation serializes a bare Operation (not wrapped in a
// LogOperation), for callers such as pkg/cache that keep their own
// per-record operation log using the same wire format.
func EncodeOperation(op types.Operation) ([]byte, error) {
	w := toWireOperation(op)
	return msgpack.Marshal(&w)
}

// DecodeOperation is the inverse of EncodeOperation.
func DecodeOperation(b []byte) (types.Operation, error) {
	var w wireOperation
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return types.Operation{}, fmt.Errorf("oplog: decoding operation: %w", err)
	}
	return fromWireOperation(w)
}

func fromWireOperation(w wireOperation) (types.Operation, error) {
	op := types.Operation{Kind: types.OperationKind(w.Kind)}
	var err error
	if w.Old != nil {
		if op.Old, err = fromWireRecord(*w.Old); err != nil {
			return types.Operation{}, err
		}
	}
	if w.New != nil {
		if op.New, err = fromWireRecord(*w.New); err != nil {
			return types.Operation{}, err
		}
	}
	if w.NewBatch != nil {
		op.NewBatch = make([]types.Record, len(w.NewBatch))
		for i, wr := range w.NewBatch {
			if op.NewBatch[i], err = fromWireRecord(wr); err != nil {
				return types.Operation{}, err
			}
		}
	}
	return op, nil
}

type wireLogOperation struct {
	Kind            uint8          `msgpack:"k"`
	Op              *wireOperation `msgpack:"op,omitempty"`
	SourceStates    []byte         `msgpack:"ss,omitempty"`
	DecisionInstant int64          `msgpack:"di,omitempty"`
	ConnectionName  string         `msgpack:"cn,omitempty"`
}

func encodeLogOperation(op types.LogOperation) ([]byte, error) {
	w := wireLogOperation{
		Kind:           uint8(op.Kind),
		SourceStates:   op.SourceStates,
		ConnectionName: op.ConnectionName,
	}
	if !op.DecisionInstant.IsZero() {
		w.DecisionInstant = op.DecisionInstant.UnixNano()
	}
	if op.Kind == types.LogOpRecord {
		wop := toWireOperation(op.Op)
		w.Op = &wop
	}
	return msgpack.Marshal(&w)
}

func decodeLogOperation(b []byte) (types.LogOperation, error) {
	var w wireLogOperation
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return types.LogOperation{}, fmt.Errorf("oplog: decoding log operation: %w", err)
	}
	op := types.LogOperation{
		Kind:           types.LogOperationKind(w.Kind),
		SourceStates:   w.SourceStates,
		ConnectionName: w.ConnectionName,
	}
	if w.DecisionInstant != 0 {
		op.DecisionInstant = time.Unix(0, w.DecisionInstant)
	}
	if w.Op != nil {
		inner, err := fromWireOperation(*w.Op)
		if err != nil {
			return types.LogOperation{}, err
		}
		op.Op = inner
	}
	return op, nil
}
