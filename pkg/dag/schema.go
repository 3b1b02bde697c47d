package dag

import (
	"github.com/getdozer/dozer/pkg/types"
)

// SchemaProvider is implemented by build-time node definitions (distinct
// from the run-time Runner) so PropagateSchemas can derive each edge's
// schema before execution starts.
type SchemaProvider interface {
	Handle() NodeHandle
	Kind() NodeKind

	// OutputSchemas returns this node's per-output-port schema given its
	// per-input-port schemas (empty for a Source). A Sink uses this call
	// to prepare its destination and returns nil.
	OutputSchemas(inputs map[PortHandle]types.Schema) (map[PortHandle]types.Schema, error)
}

// PropagateSchemas walks providers in topological order over the node
// dependency graph implied by edges, and returns the schema carried by
// every edge. It is an error for an edge's declared schema to disagree
// with what its source node actually produced.
func PropagateSchemas(providers []SchemaProvider, edges []EdgeType) (map[NodeHandle]map[PortHandle]types.Schema, error) {
	byHandle := make(map[NodeHandle]SchemaProvider, len(providers))
	for _, p := range providers {
		byHandle[p.Handle()] = p
	}

	order, err := topoSort(providers, edges)
	if err != nil {
		return nil, err
	}

	// inputsByNode[h][port] = schema arriving on that input port.
	inputsByNode := map[NodeHandle]map[PortHandle]types.Schema{}
	// outputsByNode[h][port] = schema this node produces on that port.
	outputsByNode := map[NodeHandle]map[PortHandle]types.Schema{}

	edgesFrom := map[NodeHandle][]EdgeType{}
	for _, e := range edges {
		edgesFrom[e.From] = append(edgesFrom[e.From], e)
	}

	for _, h := range order {
		p := byHandle[h]
		in := inputsByNode[h]
		out, err := p.OutputSchemas(in)
		if err != nil {
			return nil, err
		}
		outputsByNode[h] = out

		for _, e := range edgesFrom[h] {
			produced, ok := out[e.FromPort]
			if !ok {
				return nil, &types.DagError{Node: h.String(), Reason: "node did not produce a schema for its declared output port"}
			}
			if !produced.Equal(e.Schema) {
				return nil, &types.DagError{Node: h.String(), Reason: "produced schema does not match the edge's declared schema"}
			}
			if inputsByNode[e.To] == nil {
				inputsByNode[e.To] = map[PortHandle]types.Schema{}
			}
			inputsByNode[e.To][e.ToPort] = produced
		}
	}

	return outputsByNode, nil
}

// topoSort orders providers by Kahn's algorithm over the node-dependency
// graph (an edge from A to B means B depends on A).
func topoSort(providers []SchemaProvider, edges []EdgeType) ([]NodeHandle, error) {
	inDegree := map[NodeHandle]int{}
	deps := map[NodeHandle][]NodeHandle{}
	all := make([]NodeHandle, 0, len(providers))
	for _, p := range providers {
		h := p.Handle()
		all = append(all, h)
		if _, ok := inDegree[h]; !ok {
			inDegree[h] = 0
		}
	}
	seenEdge := map[[2]NodeHandle]bool{}
	for _, e := range edges {
		key := [2]NodeHandle{e.From, e.To}
		if seenEdge[key] {
			continue
		}
		seenEdge[key] = true
		deps[e.From] = append(deps[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []NodeHandle
	for _, h := range all {
		if inDegree[h] == 0 {
			queue = append(queue, h)
		}
	}

	var order []NodeHandle
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		order = append(order, h)
		for _, next := range deps[h] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(all) {
		return nil, &types.DagError{Reason: "dag contains a cycle"}
	}
	return order, nil
}
