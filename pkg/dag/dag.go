// Package dag implements the dataflow DAG of §4.6: a graph of Source,
// Processor, and Sink nodes connected by typed, schema-carrying edges,
// executed with one OS-thread-backed goroutine per node and an
// epoch-based commit protocol providing end-to-end consistency points.
package dag

import (
	"fmt"

	"github.com/getdozer/dozer/pkg/types"
)

// NodeKind distinguishes the three node roles a Dag can hold.
type NodeKind uint8

const (
	KindSource NodeKind = iota
	KindProcessor
	KindSink
)

func (k NodeKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindProcessor:
		return "processor"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// PortHandle is a node-local port number; nodes declare their input and
// output ports as small integers (§4.6).
type PortHandle = int

// NodeHandle identifies one node. Namespace distinguishes nodes injected
// by a sub-pipeline sharing one Dag with others (nil for top-level nodes).
type NodeHandle struct {
	Namespace *uint16
	ID        string
}

func (h NodeHandle) String() string {
	if h.Namespace == nil {
		return h.ID
	}
	return fmt.Sprintf("%d:%s", *h.Namespace, h.ID)
}

// EdgeType connects one node's output port to another's input port,
// carrying the schema that flows across it.
type EdgeType struct {
	From     NodeHandle
	FromPort PortHandle
	To       NodeHandle
	ToPort   PortHandle
	Schema   types.Schema
}

// DagSchemas is the validated structure of a Dag: every node's kind and
// the typed edges connecting them. A fan-out of one output port to more
// than one downstream edge is not supported; model a broadcast as
// separate output ports instead.
type DagSchemas struct {
	Nodes map[NodeHandle]NodeKind
	Edges []EdgeType
}

// NewDagSchemas validates the structural rules of §4.6: every Source and
// Processor has at least one outgoing edge, every Processor and Sink
// declares at least one input port, and each input port has exactly one
// incoming edge.
func NewDagSchemas(nodes map[NodeHandle]NodeKind, edges []EdgeType) (*DagSchemas, error) {
	outCount := map[NodeHandle]int{}
	inCount := map[NodeHandle]map[PortHandle]int{}
	for _, e := range edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, &types.DagError{Node: e.From.String(), Reason: "edge references unknown source node"}
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, &types.DagError{Node: e.To.String(), Reason: "edge references unknown destination node"}
		}
		outCount[e.From]++
		if inCount[e.To] == nil {
			inCount[e.To] = map[PortHandle]int{}
		}
		inCount[e.To][e.ToPort]++
	}

	for h, kind := range nodes {
		if kind == KindSource || kind == KindProcessor {
			if outCount[h] == 0 {
				return nil, &types.DagError{Node: h.String(), Reason: "has no outgoing edge"}
			}
		}
		if kind == KindProcessor || kind == KindSink {
			ports := inCount[h]
			if len(ports) == 0 {
				return nil, &types.DagError{Node: h.String(), Reason: "declares no input port"}
			}
			for port, n := range ports {
				if n != 1 {
					return nil, &types.DagError{Node: h.String(), Reason: fmt.Sprintf("input port %d has %d incoming edges, want exactly 1", port, n)}
				}
			}
		}
	}

	return &DagSchemas{Nodes: nodes, Edges: edges}, nil
}

// Dag is a validated dataflow graph whose edges carry messages of type T
// (typically types.Operation for the endpoint-facing pipeline).
type Dag[T any] struct {
	Schemas *DagSchemas
	runners map[NodeHandle]Runner[T]
}

// New validates nodes/edges and binds a Runner to every node.
func New[T any](nodes map[NodeHandle]NodeKind, edges []EdgeType, runners map[NodeHandle]Runner[T]) (*Dag[T], error) {
	schemas, err := NewDagSchemas(nodes, edges)
	if err != nil {
		return nil, err
	}
	for h := range nodes {
		if _, ok := runners[h]; !ok {
			return nil, &types.DagError{Node: h.String(), Reason: "no runner registered for node"}
		}
	}
	return &Dag[T]{Schemas: schemas, runners: runners}, nil
}

// Executor builds a DagExecutor for this Dag. name labels the Dag's
// per-epoch latency metric (typically the endpoint name).
func (d *Dag[T]) Executor(name string, chanCap int) *DagExecutor[T] {
	return newExecutor(name, d.Schemas, d.runners, chanCap)
}
