// Package sink implements the external-system write side of §6: Snowflake,
// BigQuery, and a generic message-broker/webhook sink, each taking the
// Operation stream a dag.Runner produces and applying it to a destination
// outside the cache envelope.
package sink

import (
	"context"
	"fmt"

	"github.com/getdozer/dozer/pkg/types"
)

// Sink is the small interface every destination node implements, matching
// the teacher's narrow-repository-interface shape (pkg/manager's
// Store-style contracts) rather than a deep type hierarchy.
type Sink interface {
	Write(ctx context.Context, op types.Operation) error
	Commit(ctx context.Context, state types.CommitState) error
	Close() error
}

// fieldToSQLValue widens a Field to the native Go value a database/sql
// driver or a JSON/Parquet encoder can bind directly.
func fieldToSQLValue(f types.Field) (interface{}, error) {
	switch f.Kind {
	case types.KindNull:
		return nil, nil
	case types.KindUInt:
		return int64(f.UIntVal), nil
	case types.KindInt:
		return f.IntVal, nil
	case types.KindFloat:
		return f.FloatVal, nil
	case types.KindBoolean:
		return f.BoolVal, nil
	case types.KindString, types.KindText:
		return f.StrVal, nil
	case types.KindBinary:
		return f.BinVal, nil
	case types.KindDecimal:
		return f.DecVal.String(), nil
	case types.KindTimestamp, types.KindDate:
		return f.TimeVal, nil
	case types.KindDuration:
		return int64(f.DurVal), nil
	case types.KindJSON:
		return f.JSONVal, nil
	default:
		return nil, fmt.Errorf("sink: unsupported field kind %v", f.Kind)
	}
}

func recordToMap(schema types.Schema, rec types.Record) (map[string]interface{}, error) {
	m := make(map[string]interface{}, len(schema.Fields))
	for i, fd := range schema.Fields {
		v, err := fieldToSQLValue(rec.Values[i])
		if err != nil {
			return nil, err
		}
		m[fd.Name] = v
	}
	return m, nil
}
