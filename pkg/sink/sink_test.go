package sink

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdozer/dozer/pkg/types"
)

func ordersSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.KindUInt},
			{Name: "city", Type: types.KindString},
			{Name: "people", Type: types.KindUInt},
		},
		PrimaryIndex: []int{0},
	}
}

func rec(id, people uint64, city string) types.Record {
	return types.Record{Values: []types.Field{
		types.UInt(id), types.String(city), types.UInt(people),
	}}
}

func TestBuildInsertSQLProducesQuestionPlaceholders(t *testing.T) {
	query, args, err := buildInsertSQL("orders", ordersSchema(), rec(1, 5, "nyc"))
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO orders (id,city,people) VALUES (?,?,?)", query)
	require.Len(t, args, 3)
	assert.Equal(t, int64(1), args[0])
	assert.Equal(t, "nyc", args[1])
	assert.Equal(t, int64(5), args[2])
}

func TestBuildUpdateSQLKeysOffOldPrimaryValue(t *testing.T) {
	old := rec(1, 5, "nyc")
	updated := rec(1, 9, "nyc")
	query, args, err := buildUpdateSQL("orders", ordersSchema(), old, updated)
	require.NoError(t, err)
	assert.Contains(t, query, "UPDATE orders SET")
	assert.Contains(t, query, "WHERE id = ?")
	assert.Equal(t, int64(9), args[2])
	assert.Equal(t, int64(1), args[len(args)-1])
}

func TestBuildDeleteSQLKeysOffPrimaryValue(t *testing.T) {
	query, args, err := buildDeleteSQL("orders", ordersSchema(), rec(7, 1, "sfo"))
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM orders WHERE id = ?", query)
	assert.Equal(t, []interface{}{int64(7)}, args)
}

func TestNewSnowflakeSinkRejectsSchemaWithoutPrimaryKey(t *testing.T) {
	schema := ordersSchema()
	schema.PrimaryIndex = nil
	_, err := NewSnowflakeSink(nil, "orders", schema)
	require.Error(t, err)
}

type fakeJobSubmitter struct {
	calls [][]ParquetRow
}

func (f *fakeJobSubmitter) SubmitLoadJob(ctx context.Context, dataset, table string, rows []ParquetRow) error {
	f.calls = append(f.calls, rows)
	return nil
}

func TestBigQuerySinkFlushesOnceBatchSizeReached(t *testing.T) {
	submitter := &fakeJobSubmitter{}
	s := NewBigQuerySink(submitter, "ds", "orders", ordersSchema(), 2)

	require.NoError(t, s.Write(context.Background(), types.InsertOp(rec(1, 1, "nyc"))))
	assert.Equal(t, 1, s.PendingRows())
	assert.Empty(t, submitter.calls)

	require.NoError(t, s.Write(context.Background(), types.InsertOp(rec(2, 2, "nyc"))))
	assert.Equal(t, 0, s.PendingRows())
	require.Len(t, submitter.calls, 1)
	assert.Len(t, submitter.calls[0], 2)
}

func TestBigQuerySinkDeleteIsANoOp(t *testing.T) {
	submitter := &fakeJobSubmitter{}
	s := NewBigQuerySink(submitter, "ds", "orders", ordersSchema(), 1)
	require.NoError(t, s.Write(context.Background(), types.DeleteOp(rec(1, 1, "nyc"))))
	assert.Equal(t, 0, s.PendingRows())
	assert.Empty(t, submitter.calls)
}

func TestBigQuerySinkCommitFlushesRemainder(t *testing.T) {
	submitter := &fakeJobSubmitter{}
	s := NewBigQuerySink(submitter, "ds", "orders", ordersSchema(), 10)
	require.NoError(t, s.Write(context.Background(), types.InsertOp(rec(1, 1, "nyc"))))
	require.NoError(t, s.Commit(context.Background(), types.CommitState{}))
	require.Len(t, submitter.calls, 1)
	assert.Len(t, submitter.calls[0], 1)
}

type fakePublisher struct {
	published []amqp.Publishing
}

func (f *fakePublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return nil
}

func TestBrokerSinkPublishesInsertEvent(t *testing.T) {
	pub := &fakePublisher{}
	s := NewBrokerSink(pub, "dozer", "orders.changes", "orders", ordersSchema())

	require.NoError(t, s.Write(context.Background(), types.InsertOp(rec(1, 5, "nyc"))))
	require.Len(t, pub.published, 1)
	assert.Equal(t, "application/json", pub.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, pub.published[0].DeliveryMode)
	assert.Contains(t, string(pub.published[0].Body), `"kind":"insert"`)
	assert.Contains(t, string(pub.published[0].Body), `"city":"nyc"`)
}

func TestBrokerSinkPublishesOneEventPerBatchRecord(t *testing.T) {
	pub := &fakePublisher{}
	s := NewBrokerSink(pub, "dozer", "orders.changes", "orders", ordersSchema())

	batch := types.BatchInsertOp([]types.Record{rec(1, 1, "nyc"), rec(2, 2, "sfo")})
	require.NoError(t, s.Write(context.Background(), batch))
	assert.Len(t, pub.published, 2)
}

func TestBrokerSinkDeleteEventCarriesOldOnly(t *testing.T) {
	pub := &fakePublisher{}
	s := NewBrokerSink(pub, "dozer", "orders.changes", "orders", ordersSchema())

	require.NoError(t, s.Write(context.Background(), types.DeleteOp(rec(3, 1, "lax"))))
	require.Len(t, pub.published, 1)
	body := string(pub.published[0].Body)
	assert.Contains(t, body, `"kind":"delete"`)
	assert.Contains(t, body, `"old"`)
	assert.NotContains(t, body, `"new"`)
}
