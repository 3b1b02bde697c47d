package api

import (
	"fmt"
	"time"

	"github.com/getdozer/dozer/pkg/cachebuilder"
	"github.com/getdozer/dozer/pkg/index"
	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

// FilterRequest names the index a query is planned against (empty for a
// primary-key point lookup) and the bound values for it, per §4.4's
// "(filter, order_by, skip|after, limit)" query contract.
type FilterRequest struct {
	Index    string                 `json:"index,omitempty"`
	Eq       map[string]interface{} `json:"eq,omitempty"`
	Gte      map[string]interface{} `json:"gte,omitempty"`
	Lte      map[string]interface{} `json:"lte,omitempty"`
	Contains string                 `json:"contains,omitempty"`
}

// QueryRequest is the decoded body of POST <path>/query.
type QueryRequest struct {
	Filter    *FilterRequest `json:"filter,omitempty"`
	OrderBy   string         `json:"order_by,omitempty"`
	Direction string         `json:"direction,omitempty"` // "asc" (default) or "desc"
	Skip      int            `json:"skip,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

func (r QueryRequest) direction() storage.Direction {
	if r.Direction == "desc" {
		return storage.Reverse
	}
	return storage.Forward
}

// ExecuteQuery runs req against endpoint's currently serving generation,
// returning the matching live records. It implements the three query
// shapes named in §4.4: point lookup by primary key (Filter.Index == ""),
// range/equality scans on a declared SortedInverted index, and `contains`
// probes on a declared FullText index. Combined filter+order_by+skip+limit
// queries reuse the same SortedInverted index for both the filter and the
// ordering, matching index.Env.Execute's own equality constraint.
func ExecuteQuery(endpoint string, reader *cachebuilder.ServingReader, schema types.Schema, req QueryRequest) ([]types.Record, error) {
	if req.Filter == nil || req.Filter.Index == "" {
		return pointLookup(reader, schema, req)
	}
	if req.Filter.Contains != "" {
		return fullTextQuery(endpoint, reader, req)
	}
	return indexedQuery(endpoint, reader, schema, req)
}

func pointLookup(reader *cachebuilder.ServingReader, schema types.Schema, req QueryRequest) ([]types.Record, error) {
	values := map[string]interface{}{}
	if req.Filter != nil {
		values = req.Filter.Eq
	}
	if len(values) == 0 {
		return nil, &types.QueryError{Reason: "primary key lookup requires filter.eq"}
	}
	rec, err := buildRecord(schema, values)
	if err != nil {
		return nil, err
	}
	meta, err := reader.Cache.Lookup(rec)
	if err != nil {
		return nil, fmt.Errorf("api: point lookup: %w", err)
	}
	if meta == nil {
		return nil, nil
	}
	got, found, err := reader.Cache.GetByID(meta.ID)
	if err != nil {
		return nil, fmt.Errorf("api: resolving record %d: %w", meta.ID, err)
	}
	if !found {
		return nil, nil
	}
	return []types.Record{got}, nil
}

func fullTextQuery(endpoint string, reader *cachebuilder.ServingReader, req QueryRequest) ([]types.Record, error) {
	var ids []uint64
	err := reader.Cache.StorageEnv().View(func(txn *storage.RoTxn) error {
		var err error
		ids, err = reader.Index.Contains(txn, req.Filter.Index, req.Filter.Contains)
		return err
	})
	if err != nil {
		return nil, err
	}
	ids = paginate(ids, req.Skip, req.Limit)
	return resolve(reader, ids)
}

func indexedQuery(endpoint string, reader *cachebuilder.ServingReader, schema types.Schema, req QueryRequest) ([]types.Record, error) {
	def, ok := findDefinition(reader.Index, req.Filter.Index)
	if !ok {
		return nil, &types.NoIndexError{Endpoint: endpoint}
	}

	plan := index.Plan{
		FilterIndex: req.Filter.Index,
		OrderIndex:  req.Filter.Index,
		Direction:   req.direction(),
		Skip:        req.Skip,
		Limit:       req.Limit,
	}
	if req.OrderBy != "" && req.OrderBy != req.Filter.Index {
		return nil, &types.NoIndexError{Endpoint: endpoint}
	}

	switch {
	case len(req.Filter.Eq) > 0:
		key, err := buildIndexKey(schema, reader.Index, def, req.Filter.Eq)
		if err != nil {
			return nil, err
		}
		plan.FilterStart = key
		plan.FilterEnd = incrementKey(key)
	case len(req.Filter.Gte) > 0 || len(req.Filter.Lte) > 0:
		if len(req.Filter.Gte) > 0 {
			key, err := buildIndexKey(schema, reader.Index, def, req.Filter.Gte)
			if err != nil {
				return nil, err
			}
			plan.FilterStart = key
		}
		if len(req.Filter.Lte) > 0 {
			key, err := buildIndexKey(schema, reader.Index, def, req.Filter.Lte)
			if err != nil {
				return nil, err
			}
			plan.FilterEnd = incrementKey(key)
		}
	}

	var ids []uint64
	err := reader.Cache.StorageEnv().View(func(txn *storage.RoTxn) error {
		var err error
		ids, err = reader.Index.Execute(txn, endpoint, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resolve(reader, ids)
}

func findDefinition(env *index.Env, name string) (index.Definition, bool) {
	for _, d := range env.Definitions() {
		if d.Name == name {
			return d, true
		}
	}
	return index.Definition{}, false
}

// buildIndexKey encodes def's declared fields, in declared order, from
// values. From the first declared field values does not supply onward,
// every field is encoded as null, so a caller that only supplies the
// leading field(s) of a composite index gets a key that matches entries
// whose remaining fields are null; it is not a prefix-range bound.
func buildIndexKey(schema types.Schema, env *index.Env, def index.Definition, values map[string]interface{}) ([]byte, error) {
	fields := make([]types.Field, len(schema.Fields))
	for i := range fields {
		fields[i] = types.NullField()
	}
	for _, pos := range def.Fields {
		if pos >= len(schema.Fields) {
			continue
		}
		raw, ok := values[schema.Fields[pos].Name]
		if !ok {
			break
		}
		f, err := jsonValueToField(schema.Fields[pos].Type, raw)
		if err != nil {
			return nil, fmt.Errorf("api: filter field %q: %w", schema.Fields[pos].Name, err)
		}
		fields[pos] = f
	}
	return env.Key(schema, def.Name, types.Record{Values: fields})
}

// buildRecord places values, keyed by field name, into their declared
// schema positions, leaving the rest null. Used for primary-key lookups,
// where the cache's own key() derivation only reads the primary index
// positions out of the record.
func buildRecord(schema types.Schema, values map[string]interface{}) (types.Record, error) {
	fields := make([]types.Field, len(schema.Fields))
	for i := range fields {
		fields[i] = types.NullField()
	}
	for name, raw := range values {
		pos, ok := fieldPosition(schema, name)
		if !ok {
			return types.Record{}, &types.QueryError{Reason: fmt.Sprintf("unknown field %q", name)}
		}
		f, err := jsonValueToField(schema.Fields[pos].Type, raw)
		if err != nil {
			return types.Record{}, fmt.Errorf("api: field %q: %w", name, err)
		}
		fields[pos] = f
	}
	return types.Record{Values: fields}, nil
}

func fieldPosition(schema types.Schema, name string) (int, bool) {
	for i, fd := range schema.Fields {
		if fd.Name == name {
			return i, true
		}
	}
	return 0, false
}

// incrementKey returns the smallest byte string strictly greater than key
// that does not admit any key having key as a prefix — the tight exclusive
// upper bound for an equality or <= range scan over RangeScan's [start,end)
// semantics.
func incrementKey(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

func paginate(ids []uint64, skip, limit int) []uint64 {
	if skip > 0 {
		if skip >= len(ids) {
			return nil
		}
		ids = ids[skip:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

func resolve(reader *cachebuilder.ServingReader, ids []uint64) ([]types.Record, error) {
	records := make([]types.Record, 0, len(ids))
	for _, id := range ids {
		rec, found, err := reader.Cache.GetByID(id)
		if err != nil {
			return nil, fmt.Errorf("api: resolving record %d: %w", id, err)
		}
		if found {
			records = append(records, rec)
		}
	}
	return records, nil
}

func jsonValueToField(kind types.Kind, v interface{}) (types.Field, error) {
	switch kind {
	case types.KindUInt:
		n, ok := v.(float64)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a number, got %T", v)
		}
		return types.UInt(uint64(n)), nil
	case types.KindInt:
		n, ok := v.(float64)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a number, got %T", v)
		}
		return types.Int(int64(n)), nil
	case types.KindFloat:
		n, ok := v.(float64)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a number, got %T", v)
		}
		return types.Float(n), nil
	case types.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a boolean, got %T", v)
		}
		return types.Boolean(b), nil
	case types.KindString, types.KindText:
		s, ok := v.(string)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a string, got %T", v)
		}
		return types.String(s), nil
	case types.KindTimestamp:
		s, ok := v.(string)
		if !ok {
			return types.Field{}, fmt.Errorf("expected an RFC3339 string, got %T", v)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return types.Field{}, err
		}
		return types.Timestamp(t), nil
	case types.KindDate:
		s, ok := v.(string)
		if !ok {
			return types.Field{}, fmt.Errorf("expected a YYYY-MM-DD string, got %T", v)
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return types.Field{}, err
		}
		return types.Date(t), nil
	default:
		return types.Field{}, fmt.Errorf("field kind %v is not supported in query filters", kind)
	}
}
