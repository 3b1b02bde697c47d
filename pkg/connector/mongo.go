package connector

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/getdozer/dozer/pkg/types"
)

// MongoSource fulfills the SourceConnector contract against a MongoDB
// collection using its change-stream cursor: each change event's
// operationType maps directly onto an Insert/Update/Delete Operation.
type MongoSource struct {
	coll   *mongo.Collection
	source types.SourceDefinition
	schema types.Schema
}

// NewMongoSource opens coll on client for change-stream watching.
func NewMongoSource(client *mongo.Client, source types.SourceDefinition, schema types.Schema) *MongoSource {
	coll := client.Database(source.ConnectionName).Collection(source.TableName)
	return &MongoSource{coll: coll, source: source, schema: schema}
}

func (m *MongoSource) Source() types.SourceDefinition { return m.source }
func (m *MongoSource) Schema() types.Schema           { return m.schema }
func (m *MongoSource) Close() error                   { return nil }

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   bson.M `bson:"documentKey"`
}

// Run opens a change stream over the collection and emits one Operation
// per change event until ctx is cancelled.
func (m *MongoSource) Run(ctx context.Context, emit func(types.LogOperation) error) error {
	stream, err := m.coll.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("connector: opening mongo change stream on %s: %w", m.source.TableName, err)
	}
	defer stream.Close(ctx)

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			return fmt.Errorf("connector: decoding mongo change event: %w", err)
		}
		op, err := m.toLogOperation(ev)
		if err != nil {
			return err
		}
		if err := emit(op); err != nil {
			return err
		}
		if err := emit(types.CommitLogOp(nil, time.Now())); err != nil {
			return err
		}
	}
	return stream.Err()
}

func (m *MongoSource) toLogOperation(ev changeEvent) (types.LogOperation, error) {
	switch ev.OperationType {
	case "insert":
		rec, err := m.toRecord(ev.FullDocument)
		if err != nil {
			return types.LogOperation{}, err
		}
		return types.RecordLogOp(types.InsertOp(rec)), nil
	case "update", "replace":
		// The change stream's update event carries only the post-image
		// (full document lookup), never a pre-image, so Old and New both
		// model the post-image here; a downstream processor keyed on
		// primary key still resolves the correct row.
		rec, err := m.toRecord(ev.FullDocument)
		if err != nil {
			return types.LogOperation{}, err
		}
		return types.RecordLogOp(types.UpdateOp(rec, rec)), nil
	case "delete":
		rec, err := m.toRecord(ev.DocumentKey)
		if err != nil {
			return types.LogOperation{}, err
		}
		return types.RecordLogOp(types.DeleteOp(rec)), nil
	default:
		return types.LogOperation{}, fmt.Errorf("connector: unsupported mongo change event type %q", ev.OperationType)
	}
}

func (m *MongoSource) toRecord(doc bson.M) (types.Record, error) {
	fields := make([]types.Field, len(m.schema.Fields))
	for i, fd := range m.schema.Fields {
		v, ok := doc[fd.Name]
		if !ok || v == nil {
			fields[i] = types.NullField()
			continue
		}
		f, err := bsonValueToField(fd.Type, v)
		if err != nil {
			return types.Record{}, err
		}
		fields[i] = f
	}
	return types.Record{Values: fields}, nil
}

func bsonValueToField(kind types.Kind, v interface{}) (types.Field, error) {
	switch kind {
	case types.KindUInt:
		switch n := v.(type) {
		case int64:
			return types.UInt(uint64(n)), nil
		case int32:
			return types.UInt(uint64(n)), nil
		case float64:
			return types.UInt(uint64(n)), nil
		}
	case types.KindInt:
		switch n := v.(type) {
		case int64:
			return types.Int(n), nil
		case int32:
			return types.Int(int64(n)), nil
		}
	case types.KindFloat:
		if f, ok := v.(float64); ok {
			return types.Float(f), nil
		}
	case types.KindBoolean:
		if b, ok := v.(bool); ok {
			return types.Boolean(b), nil
		}
	case types.KindString, types.KindText:
		switch s := v.(type) {
		case string:
			return types.String(s), nil
		default:
			return types.String(fmt.Sprintf("%v", s)), nil
		}
	case types.KindTimestamp:
		if t, ok := v.(time.Time); ok {
			return types.Timestamp(t), nil
		}
	case types.KindJSON:
		b, err := bson.MarshalExtJSON(v, false, false)
		if err != nil {
			return types.Field{}, fmt.Errorf("connector: encoding bson value as json: %w", err)
		}
		return types.JSON(b), nil
	}
	return types.Field{}, fmt.Errorf("connector: cannot map bson value %T to field kind %v", v, kind)
}
