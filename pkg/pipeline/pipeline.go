// Package pipeline wires a parsed dconfig.Config into a running
// dag.Dag[types.Operation]: one Source node per configured Source, one
// Processor node per Transform, one Sink node per Endpoint, connected by
// the edges the config's own Source/Inputs/Source references describe.
// This is the glue §4.6 leaves to "whatever assembles the Dag"; cmd/dozer
// is that assembler, and this package is the part of the assembly that is
// generic enough to unit test without a cobra command around it.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/getdozer/dozer/pkg/aggregation"
	"github.com/getdozer/dozer/pkg/cachebuilder"
	"github.com/getdozer/dozer/pkg/connector"
	"github.com/getdozer/dozer/pkg/dag"
	"github.com/getdozer/dozer/pkg/dconfig"
	"github.com/getdozer/dozer/pkg/events"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/oplog"
	"github.com/getdozer/dozer/pkg/storage"
	"github.com/getdozer/dozer/pkg/types"
)

// nodeHandle builds a namespace-free dag.NodeHandle for a config-level name.
func nodeHandle(id string) dag.NodeHandle { return dag.NodeHandle{ID: id} }

// SourceHandles of a config Source/Transform feed an edge into whatever
// references them by name; inputHandle resolves a Transform/Endpoint's
// upstream reference to the node handle that produces it.
func inputHandle(name string) dag.NodeHandle { return nodeHandle(name) }

// Built is everything pipeline.Build assembled: the runnable Dag plus the
// per-source log/runner pairs and per-endpoint builders the caller (cmd/dozer)
// owns the lifecycle of.
type Built struct {
	Dag       *dag.Dag[types.Operation]
	Executor  *dag.DagExecutor[types.Operation]
	Sources   map[string]*SourceHandle
	Endpoints map[string]*cachebuilder.Builder
	Brokers   map[string]*events.Broker
}

// SourceHandle bundles one configured Source's operation log and the
// connector.Runner feeding it, both owned by the caller.
type SourceHandle struct {
	Name      string
	Log       *oplog.Log
	Runner    *connector.Runner
	Connector connector.SourceConnector
}

// Options carries the environment-specific knobs Build needs beyond the
// declarative config itself: where state lives on disk, the connectors
// already constructed for each Source's Connection, and the schema each
// Source produces (derived from its Connection and Columns — see
// DESIGN.md's note on source schema inference).
type Options struct {
	CacheDir       string
	ChanCap        int
	Connectors     map[string]connector.SourceConnector // by Source.Name
	Schemas        map[string]types.Schema              // by Source.Name, post-connector introspection
	CacheSize      int
	ReadTimeout    time.Duration
	RebuildSources map[string]bool // by Source.Name: force a fresh log_id, discarding on-disk history
}

// Build constructs every node the config describes and binds them into one
// Dag. Endpoints are opened with cachebuilder.New against
// opts.CacheDir/endpoints; Sources are opened as an oplog.Log at
// opts.CacheDir/sources/<source>.
func Build(cfg *dconfig.Config, opts Options) (*Built, error) {
	if opts.ChanCap <= 0 {
		opts.ChanCap = 256
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Second
	}

	nodes := map[dag.NodeHandle]dag.NodeKind{}
	edges := []dag.EdgeType{}
	runners := map[dag.NodeHandle]dag.Runner[types.Operation]{}

	sources := map[string]*SourceHandle{}
	schemas := map[string]types.Schema{} // by producing node name (source or transform)
	sourceLogIDs := map[string]string{}  // by Source.Name, the log_id each source's log was opened with

	for _, s := range cfg.Sources {
		src, ok := opts.Connectors[s.Name]
		if !ok {
			return nil, fmt.Errorf("pipeline: no connector constructed for source %q", s.Name)
		}
		schema, ok := opts.Schemas[s.Name]
		if !ok {
			schema = src.Schema()
		}
		schemas[s.Name] = schema

		// A source's log_id stays pinned to its name across ordinary restarts, so
		// oplog.Open never mistakes a restart for a rebuild. --rebuild-source mints
		// a fresh id instead, which oplog.Open compares against the one already
		// stored on disk, finds mismatched, and discards the log's history for.
		logID := s.Name
		if opts.RebuildSources[s.Name] {
			logID = uuid.NewString()
		}
		sourceLogIDs[s.Name] = logID

		logPath := filepath.Join(opts.CacheDir, "sources", s.Name)
		lg, rebuilt, err := oplog.Open(logPath, logID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening source log %q: %w", s.Name, err)
		}
		if rebuilt {
			log.WithComponent("pipeline").Warn().Str("source", s.Name).Msg("source log rebuilt: on-disk history discarded")
		}
		runner := connector.NewRunner(s.Name, src, lg)

		sources[s.Name] = &SourceHandle{Name: s.Name, Log: lg, Runner: runner, Connector: src}

		h := nodeHandle(s.Name)
		nodes[h] = dag.KindSource
		runners[h] = newSourceRunner(h, lg.Subscribe(), opts.ReadTimeout)
	}

	for _, tr := range cfg.Transforms {
		if len(tr.Inputs) != 1 {
			return nil, fmt.Errorf("pipeline: transform %q: only single-input transforms are supported", tr.Name)
		}
		inSchema, ok := schemas[tr.Inputs[0]]
		if !ok {
			return nil, fmt.Errorf("pipeline: transform %q: input %q has no resolved schema", tr.Name, tr.Inputs[0])
		}

		h := nodeHandle(tr.Name)
		switch tr.Kind {
		case "aggregation":
			env, err := storage.Create(filepath.Join(opts.CacheDir, "transforms", tr.Name), storage.Options{})
			if err != nil {
				return nil, fmt.Errorf("pipeline: opening transform state %q: %w", tr.Name, err)
			}
			dims, err := dconfig.BuildGroupByPositions(tr, inSchema)
			if err != nil {
				return nil, err
			}
			measures, err := dconfig.BuildMeasures(tr, inSchema)
			if err != nil {
				return nil, err
			}
			proc, err := aggregation.Open(env, tr.Name, dims, measures, inSchema)
			if err != nil {
				return nil, err
			}
			schemas[tr.Name] = proc.OutputSchema()
			nodes[h] = dag.KindProcessor
			runners[h] = newProcessorRunner(h, proc)
		default:
			return nil, fmt.Errorf("pipeline: transform %q: unknown kind %q", tr.Name, tr.Kind)
		}

		edges = append(edges, dag.EdgeType{
			From: inputHandle(tr.Inputs[0]), FromPort: 0,
			To: h, ToPort: 0,
			Schema: inSchema,
		})
	}

	endpoints := map[string]*cachebuilder.Builder{}
	brokers := map[string]*events.Broker{}
	for _, ep := range cfg.Endpoints {
		upSchema, ok := schemas[ep.Source]
		if !ok {
			return nil, fmt.Errorf("pipeline: endpoint %q: source %q has no resolved schema", ep.Name, ep.Source)
		}
		idxDefs, err := dconfig.BuildIndexDefinitions(ep, upSchema)
		if err != nil {
			return nil, err
		}

		broker := events.NewBroker(ep.Name)
		broker.Start()
		brokers[ep.Name] = broker

		// LogID mirrors the upstream source's own log_id rather than its static
		// name, so a --rebuild-source run is what actually flips cachebuilder's
		// rebuild detection (Update sees meta.LogID != b.meta.LogID), not the
		// endpoint's fixed reference to the source's config name.
		logID, ok := sourceLogIDs[ep.Source]
		if !ok {
			logID = ep.Source
		}
		meta := types.EndpointMeta{Name: ep.Name, LogID: logID, Schema: upSchema}
		b, err := cachebuilder.New(filepath.Join(opts.CacheDir, "endpoints"), meta, types.ConflictResolution{}, idxDefs, opts.CacheSize, broker)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening endpoint %q: %w", ep.Name, err)
		}
		endpoints[ep.Name] = b

		h := nodeHandle("endpoint:" + ep.Name)
		nodes[h] = dag.KindSink
		runners[h] = newSinkRunner(h, b)

		edges = append(edges, dag.EdgeType{
			From: inputHandle(ep.Source), FromPort: 0,
			To: h, ToPort: 0,
			Schema: upSchema,
		})
	}

	d, err := dag.New(nodes, edges, runners)
	if err != nil {
		return nil, err
	}
	executor := d.Executor("pipeline", opts.ChanCap)
	for _, r := range runners {
		if s, ok := r.(*sinkRunner); ok {
			s.executor = executor
		}
	}

	return &Built{Dag: d, Executor: executor, Sources: sources, Endpoints: endpoints, Brokers: brokers}, nil
}

// sourceRunner adapts an oplog.ReaderHandle into a dag.Runner[types.Operation]
// Source node: it polls the reader and translates each LogOperation into the
// Message the rest of the Dag speaks, assigning epoch numbers off LogOpCommit
// boundaries (§4.6's "Epoch(e) coincides with a source commit").
type sourceRunner struct {
	handle  dag.NodeHandle
	reader  *oplog.ReaderHandle
	timeout time.Duration
	epoch   uint64
}

func newSourceRunner(h dag.NodeHandle, reader *oplog.ReaderHandle, timeout time.Duration) *sourceRunner {
	return &sourceRunner{handle: h, reader: reader, timeout: timeout}
}

func (r *sourceRunner) Handle() dag.NodeHandle { return r.handle }

func (r *sourceRunner) Run(ctx context.Context, _ map[dag.PortHandle]<-chan dag.Message[types.Operation], out map[dag.PortHandle]chan<- dag.Message[types.Operation]) error {
	logger := log.WithComponent("pipeline").With().Str("node", r.handle.String()).Logger()
	for {
		entries, err := r.reader.GetLog(ctx, 256, r.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, e := range entries {
			switch e.Op.Kind {
			case types.LogOpRecord:
				select {
				case out[0] <- dag.OpMsg(e.Op.Op):
				case <-ctx.Done():
					return nil
				}
			case types.LogOpCommit:
				r.epoch++
				select {
				case out[0] <- dag.EpochMsg[types.Operation](r.epoch):
				case <-ctx.Done():
					return nil
				}
			case types.LogOpSnapshottingDone:
				logger.Info().Str("connection", e.Op.ConnectionName).Msg("source snapshot complete")
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// processorRunner adapts an aggregation.Processor into a single-input,
// single-output dag.Runner: every Op is folded through Process and its
// resulting Insert/Update/Delete sequence forwarded downstream; Epoch
// markers pass straight through since this processor keeps no in-flight
// state across a single input port.
type processorRunner struct {
	handle dag.NodeHandle
	proc   *aggregation.Processor
}

func newProcessorRunner(h dag.NodeHandle, proc *aggregation.Processor) *processorRunner {
	return &processorRunner{handle: h, proc: proc}
}

func (r *processorRunner) Handle() dag.NodeHandle { return r.handle }

func (r *processorRunner) Run(ctx context.Context, in map[dag.PortHandle]<-chan dag.Message[types.Operation], out map[dag.PortHandle]chan<- dag.Message[types.Operation]) error {
	logger := log.WithComponent("pipeline").With().Str("node", r.handle.String()).Logger()
	for {
		select {
		case msg, ok := <-in[0]:
			if !ok {
				return nil
			}
			if msg.IsEpoch() {
				select {
				case out[0] <- msg:
				case <-ctx.Done():
					return nil
				}
				continue
			}
			outOps, err := r.proc.Process(msg.Op)
			if err != nil {
				logger.Error().Err(err).Msg("aggregation processing failed")
				continue
			}
			for _, op := range outOps {
				select {
				case out[0] <- dag.OpMsg(op):
				case <-ctx.Done():
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// sinkRunner adapts a cachebuilder.Builder into a dag.Runner Sink: it
// assigns each arriving message the next position in its own local
// position space (resumed from the builder's own NextLogPosition, so a
// restarted pipeline replays from where the builder last committed) and
// acks the executor once a commit has been applied.
type sinkRunner struct {
	handle   dag.NodeHandle
	builder  *cachebuilder.Builder
	executor *dag.DagExecutor[types.Operation]
	pos      uint64
}

func newSinkRunner(h dag.NodeHandle, b *cachebuilder.Builder) *sinkRunner {
	return &sinkRunner{handle: h, builder: b, pos: b.NextLogPosition()}
}

func (r *sinkRunner) Handle() dag.NodeHandle { return r.handle }

func (r *sinkRunner) Run(ctx context.Context, in map[dag.PortHandle]<-chan dag.Message[types.Operation], _ map[dag.PortHandle]chan<- dag.Message[types.Operation]) error {
	logger := log.WithComponent("pipeline").With().Str("node", r.handle.String()).Logger()
	for {
		select {
		case msg, ok := <-in[0]:
			if !ok {
				return nil
			}
			if msg.IsEpoch() {
				pos := r.pos
				r.pos++
				if err := r.builder.ProcessOp(types.OpAndPos{Op: types.CommitLogOp(nil, time.Now()), Pos: pos}); err != nil {
					logger.Error().Err(err).Msg("sink commit failed")
				}
				if r.executor != nil {
					r.executor.AckEpoch(*msg.Epoch)
				}
				continue
			}
			pos := r.pos
			r.pos++
			if err := r.builder.ProcessOp(types.OpAndPos{Op: types.RecordLogOp(msg.Op), Pos: pos}); err != nil {
				logger.Error().Err(err).Msg("sink apply failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
