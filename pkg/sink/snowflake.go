package sink

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/types"
)

// SnowflakeSink writes operations to a table via primary-key-aware DML
// (INSERT/UPDATE/DELETE), built with squirrel and executed over
// database/sql. A schema without a primary key cannot be sunk here: there
// would be nothing to match an Update/Delete's WHERE clause against.
type SnowflakeSink struct {
	db     *sql.DB
	table  string
	schema types.Schema
}

// NewSnowflakeSink binds a sink to table over db, keyed by schema's
// primary index.
func NewSnowflakeSink(db *sql.DB, table string, schema types.Schema) (*SnowflakeSink, error) {
	if !schema.HasPrimaryKey() {
		return nil, fmt.Errorf("sink: snowflake sink requires a primary key schema for table %s", table)
	}
	return &SnowflakeSink{db: db, table: table, schema: schema}, nil
}

func (s *SnowflakeSink) Write(ctx context.Context, op types.Operation) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SinkWriteDuration, s.table)

	var err error
	switch op.Kind {
	case types.OpInsert:
		err = s.execInsert(ctx, op.New)
	case types.OpUpdate:
		err = s.execUpdate(ctx, op.Old, op.New)
	case types.OpDelete:
		err = s.execDelete(ctx, op.Old)
	case types.OpBatchInsert:
		for _, rec := range op.NewBatch {
			if err = s.execInsert(ctx, rec); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("sink: unsupported operation kind %v", op.Kind)
	}

	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(s.table).Inc()
		log.WithComponent("sink").Error().Err(err).Str("table", s.table).Msg("snowflake sink write failed")
	}
	return err
}

// Commit is a no-op: every Write already executes and commits its own
// statement, so there is no batched transaction to flush here.
func (s *SnowflakeSink) Commit(ctx context.Context, state types.CommitState) error { return nil }

func (s *SnowflakeSink) Close() error { return s.db.Close() }

func (s *SnowflakeSink) execInsert(ctx context.Context, rec types.Record) error {
	query, args, err := buildInsertSQL(s.table, s.schema, rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SnowflakeSink) execUpdate(ctx context.Context, old, updated types.Record) error {
	query, args, err := buildUpdateSQL(s.table, s.schema, old, updated)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SnowflakeSink) execDelete(ctx context.Context, rec types.Record) error {
	query, args, err := buildDeleteSQL(s.table, s.schema, rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func pkEq(schema types.Schema, rec types.Record) (sq.Eq, error) {
	eq := sq.Eq{}
	for _, pos := range schema.PrimaryIndex {
		v, err := fieldToSQLValue(rec.Values[pos])
		if err != nil {
			return nil, err
		}
		eq[schema.Fields[pos].Name] = v
	}
	return eq, nil
}

func buildInsertSQL(table string, schema types.Schema, rec types.Record) (string, []interface{}, error) {
	cols := make([]string, len(schema.Fields))
	vals := make([]interface{}, len(schema.Fields))
	for i, fd := range schema.Fields {
		cols[i] = fd.Name
		v, err := fieldToSQLValue(rec.Values[i])
		if err != nil {
			return "", nil, err
		}
		vals[i] = v
	}
	return sq.Insert(table).Columns(cols...).Values(vals...).PlaceholderFormat(sq.Question).ToSql()
}

func buildUpdateSQL(table string, schema types.Schema, old, updated types.Record) (string, []interface{}, error) {
	eq, err := pkEq(schema, old)
	if err != nil {
		return "", nil, err
	}
	builder := sq.Update(table)
	for i, fd := range schema.Fields {
		v, err := fieldToSQLValue(updated.Values[i])
		if err != nil {
			return "", nil, err
		}
		builder = builder.Set(fd.Name, v)
	}
	return builder.Where(eq).PlaceholderFormat(sq.Question).ToSql()
}

func buildDeleteSQL(table string, schema types.Schema, rec types.Record) (string, []interface{}, error) {
	eq, err := pkEq(schema, rec)
	if err != nil {
		return "", nil, err
	}
	return sq.Delete(table).Where(eq).PlaceholderFormat(sq.Question).ToSql()
}
