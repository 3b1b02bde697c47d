package dag

import (
	"context"
	"testing"
	"time"

	"github.com/getdozer/dozer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSchema() types.Schema {
	return types.Schema{Fields: []types.FieldDefinition{{Name: "id", Type: types.KindUInt}}, PrimaryIndex: []int{0}}
}

func h(id string) NodeHandle { return NodeHandle{ID: id} }

func TestNewDagSchemasAcceptsValidGraph(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{h("src"): KindSource, h("sink"): KindSink}
	edges := []EdgeType{{From: h("src"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: sampleSchema()}}

	schemas, err := NewDagSchemas(nodes, edges)
	require.NoError(t, err)
	assert.Len(t, schemas.Edges, 1)
}

func TestNewDagSchemasRejectsSourceWithNoOutgoingEdge(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{h("src"): KindSource}
	_, err := NewDagSchemas(nodes, nil)
	require.Error(t, err)
	var dagErr *types.DagError
	require.ErrorAs(t, err, &dagErr)
}

func TestNewDagSchemasRejectsSinkWithNoInputPort(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{h("sink"): KindSink}
	_, err := NewDagSchemas(nodes, nil)
	require.Error(t, err)
}

func TestNewDagSchemasRejectsDuplicateIncomingEdgeOnOnePort(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{
		h("a"):    KindSource,
		h("b"):    KindSource,
		h("sink"): KindSink,
	}
	edges := []EdgeType{
		{From: h("a"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: sampleSchema()},
		{From: h("b"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: sampleSchema()},
	}
	_, err := NewDagSchemas(nodes, edges)
	require.Error(t, err)
}

type fakeSchemaProvider struct {
	handle NodeHandle
	kind   NodeKind
	fn     func(map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error)
}

func (f fakeSchemaProvider) Handle() NodeHandle { return f.handle }
func (f fakeSchemaProvider) Kind() NodeKind     { return f.kind }
func (f fakeSchemaProvider) OutputSchemas(in map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error) {
	return f.fn(in)
}

func TestPropagateSchemasFlowsSourceSchemaToSink(t *testing.T) {
	schema := sampleSchema()
	src := fakeSchemaProvider{handle: h("src"), kind: KindSource, fn: func(map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error) {
		return map[PortHandle]types.Schema{0: schema}, nil
	}}
	var sinkSaw types.Schema
	sink := fakeSchemaProvider{handle: h("sink"), kind: KindSink, fn: func(in map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error) {
		sinkSaw = in[0]
		return nil, nil
	}}
	edges := []EdgeType{{From: h("src"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: schema}}

	_, err := PropagateSchemas([]SchemaProvider{src, sink}, edges)
	require.NoError(t, err)
	assert.True(t, sinkSaw.Equal(schema))
}

func TestPropagateSchemasRejectsMismatchedEdgeSchema(t *testing.T) {
	schema := sampleSchema()
	other := types.Schema{Fields: []types.FieldDefinition{{Name: "x", Type: types.KindString}}}
	src := fakeSchemaProvider{handle: h("src"), kind: KindSource, fn: func(map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error) {
		return map[PortHandle]types.Schema{0: schema}, nil
	}}
	sink := fakeSchemaProvider{handle: h("sink"), kind: KindSink, fn: func(map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error) {
		return nil, nil
	}}
	edges := []EdgeType{{From: h("src"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: other}}

	_, err := PropagateSchemas([]SchemaProvider{src, sink}, edges)
	require.Error(t, err)
}

// passThroughRunner forwards every Op from input port 0 to output port 0
// and forwards Epoch markers after observing them on every input.
type passThroughRunner struct {
	handle NodeHandle
}

func (r *passThroughRunner) Handle() NodeHandle { return r.handle }
func (r *passThroughRunner) Run(ctx context.Context, in map[PortHandle]<-chan Message[int], out map[PortHandle]chan<- Message[int]) error {
	for {
		select {
		case msg, ok := <-in[0]:
			if !ok {
				return nil
			}
			select {
			case out[0] <- msg:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type recordingSink struct {
	handle   NodeHandle
	executor *DagExecutor[int]
	received chan int
	epochs   chan uint64
}

func (r *recordingSink) Handle() NodeHandle { return r.handle }
func (r *recordingSink) Run(ctx context.Context, in map[PortHandle]<-chan Message[int], out map[PortHandle]chan<- Message[int]) error {
	for {
		select {
		case msg, ok := <-in[0]:
			if !ok {
				return nil
			}
			if msg.IsEpoch() {
				r.epochs <- *msg.Epoch
				r.executor.AckEpoch(*msg.Epoch)
				continue
			}
			r.received <- msg.Op
		case <-ctx.Done():
			return nil
		}
	}
}

type drivingSource struct {
	handle NodeHandle
	values []int
}

func (s *drivingSource) Handle() NodeHandle { return s.handle }
func (s *drivingSource) Run(ctx context.Context, in map[PortHandle]<-chan Message[int], out map[PortHandle]chan<- Message[int]) error {
	for _, v := range s.values {
		select {
		case out[0] <- OpMsg[int](v):
		case <-ctx.Done():
			return nil
		}
	}
	select {
	case out[0] <- EpochMsg[int](1):
	case <-ctx.Done():
	}
	<-ctx.Done()
	return nil
}

func TestDagExecutorRunsEndToEndAndAcksEpoch(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{h("src"): KindSource, h("mid"): KindProcessor, h("sink"): KindSink}
	edges := []EdgeType{
		{From: h("src"), FromPort: 0, To: h("mid"), ToPort: 0, Schema: sampleSchema()},
		{From: h("mid"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: sampleSchema()},
	}

	sink := &recordingSink{handle: h("sink"), received: make(chan int, 10), epochs: make(chan uint64, 1)}
	runners := map[NodeHandle]Runner[int]{
		h("src"):  &drivingSource{handle: h("src"), values: []int{1, 2, 3}},
		h("mid"):  &passThroughRunner{handle: h("mid")},
		h("sink"): sink,
	}

	d, err := New(nodes, edges, runners)
	require.NoError(t, err)

	executor := d.Executor("test", 16)
	sink.executor = executor

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- executor.Run(ctx) }()

	var seen []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-sink.received:
			seen = append(seen, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for value")
		}
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)

	select {
	case e := <-sink.epochs:
		assert.Equal(t, uint64(1), e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for epoch")
	}

	require.NoError(t, executor.WaitForEpoch(context.Background(), 1))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not shut down")
	}
}

func TestDagExecutorConvertsNodePanicToDagError(t *testing.T) {
	nodes := map[NodeHandle]NodeKind{h("src"): KindSource, h("sink"): KindSink}
	edges := []EdgeType{{From: h("src"), FromPort: 0, To: h("sink"), ToPort: 0, Schema: sampleSchema()}}

	runners := map[NodeHandle]Runner[int]{
		h("src"):  panicRunner{handle: h("src")},
		h("sink"): &recordingSink{handle: h("sink"), received: make(chan int, 1), epochs: make(chan uint64, 1)},
	}

	d, err := New(nodes, edges, runners)
	require.NoError(t, err)

	executor := d.Executor("test", 16)
	err = executor.Run(context.Background())
	require.Error(t, err)
	var dagErr *types.DagError
	require.ErrorAs(t, err, &dagErr)
}

type panicRunner struct{ handle NodeHandle }

func (p panicRunner) Handle() NodeHandle { return p.handle }
func (p panicRunner) Run(ctx context.Context, in map[PortHandle]<-chan Message[int], out map[PortHandle]chan<- Message[int]) error {
	panic("boom")
}
