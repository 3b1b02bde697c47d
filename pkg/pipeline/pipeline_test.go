package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdozer/dozer/pkg/connector"
	"github.com/getdozer/dozer/pkg/dconfig"
	"github.com/getdozer/dozer/pkg/types"
)

// fakeConnector emits a fixed batch of Insert operations followed by a
// commit, then blocks until ctx is cancelled, matching the SourceConnector
// contract's "blocks until ctx is cancelled" requirement.
type fakeConnector struct {
	source types.SourceDefinition
	schema types.Schema
	ops    []types.Operation
}

func (c *fakeConnector) Source() types.SourceDefinition { return c.source }
func (c *fakeConnector) Schema() types.Schema           { return c.schema }
func (c *fakeConnector) Close() error                   { return nil }

func (c *fakeConnector) Run(ctx context.Context, emit func(types.LogOperation) error) error {
	for _, op := range c.ops {
		if err := emit(types.RecordLogOp(op)); err != nil {
			return err
		}
	}
	if err := emit(types.CommitLogOp(nil, time.Now())); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func ordersSchema() types.Schema {
	return types.Schema{
		Fields: []types.FieldDefinition{
			{Name: "id", Type: types.KindUInt},
			{Name: "region", Type: types.KindString},
			{Name: "amount", Type: types.KindFloat},
		},
		PrimaryIndex: []int{0},
	}
}

func orderRec(id uint64, region string, amount float64) types.Record {
	return types.Record{Values: []types.Field{
		types.UInt(id), types.String(region), types.Float(amount),
	}}
}

func testConfig() *dconfig.Config {
	return &dconfig.Config{
		AppName: "orders-test",
		Connections: []dconfig.Connection{
			{Name: "pg", Kind: "postgres"},
		},
		Sources: []dconfig.Source{
			{Name: "orders", Connection: "pg", TableName: "orders"},
		},
		Transforms: []dconfig.Transform{
			{
				Name:     "orders_by_region",
				Kind:     "aggregation",
				Inputs:   []string{"orders"},
				GroupBy:  []string{"region"},
				Measures: []dconfig.MeasureConfig{{Field: "amount", Kind: "sum"}},
			},
		},
		Endpoints: []dconfig.Endpoint{
			{Name: "orders_by_region", Source: "orders_by_region"},
		},
	}
}

func buildTestPipeline(t *testing.T) *Built {
	t.Helper()
	cfg := testConfig()
	src := &fakeConnector{
		source: types.SourceDefinition{ConnectionName: "pg", TableName: "orders"},
		schema: ordersSchema(),
		ops: []types.Operation{
			types.InsertOp(orderRec(1, "us", 10)),
			types.InsertOp(orderRec(2, "us", 15)),
			types.InsertOp(orderRec(3, "eu", 7)),
		},
	}

	built, err := Build(cfg, Options{
		CacheDir:   filepath.Join(t.TempDir(), "state"),
		Connectors: map[string]connector.SourceConnector{"orders": src},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, b := range built.Endpoints {
			_ = b.Close()
		}
		for _, s := range built.Sources {
			_ = s.Log.Close()
		}
		for _, b := range built.Brokers {
			b.Stop()
		}
	})
	return built
}

func TestBuildConstructsSourceProcessorSinkGraph(t *testing.T) {
	built := buildTestPipeline(t)
	assert.Len(t, built.Sources, 1)
	assert.Len(t, built.Endpoints, 1)
	assert.Contains(t, built.Endpoints, "orders_by_region")
}

func TestBuildRejectsEndpointWithUnresolvedSource(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints[0].Source = "nope"

	_, err := Build(cfg, Options{
		CacheDir: filepath.Join(t.TempDir(), "state"),
		Connectors: map[string]connector.SourceConnector{
			"orders": &fakeConnector{schema: ordersSchema()},
		},
	})
	assert.Error(t, err)
}

func TestPipelineRunsEndToEndAggregatingIntoEndpoint(t *testing.T) {
	built := buildTestPipeline(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, s := range built.Sources {
		s.Runner.Start()
		t.Cleanup(s.Runner.Stop)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- built.Executor.Run(ctx) }()

	require.NoError(t, built.Executor.WaitForEpoch(ctx, 1))

	b := built.Endpoints["orders_by_region"]
	serving := b.Serving()
	require.NotNil(t, serving)
	assert.Greater(t, b.NextLogPosition(), uint64(0))

	cancel()
	<-runErr
}
