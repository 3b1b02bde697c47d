// Package connector models the Operation-producing contract a source
// connector fulfills (§6), a thin runner that drives it into an operation
// log, and three sources built on it: a Postgres source that polls a
// table by a cursor column, a MongoDB change-stream source, and an S3
// source that ingests CSV objects. Postgres logical replication is not
// implemented.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/oplog"
	"github.com/getdozer/dozer/pkg/types"
	"github.com/rs/zerolog"
)

// SourceConnector produces the LogOperation stream for one upstream table.
// Run blocks until ctx is cancelled or the upstream source is exhausted
// (for a bounded snapshot source); it must call emit for every record,
// commit, and snapshot-complete marker it observes, in source order.
type SourceConnector interface {
	Source() types.SourceDefinition
	Schema() types.Schema
	Run(ctx context.Context, emit func(types.LogOperation) error) error
	Close() error
}

// Runner drives a SourceConnector's Run loop and appends everything it
// emits to an operation log, following the teacher's ticker-plus-stop-
// channel reconciliation idiom (pkg/reconciler) for its own lifecycle,
// even though the connector's inner polling cadence is its own concern.
type Runner struct {
	name   string
	source SourceConnector
	target *oplog.Log
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunner binds a SourceConnector to the log its operations are
// appended to. name labels this runner's log lines and metrics,
// typically the connector's connection name.
func NewRunner(name string, source SourceConnector, target *oplog.Log) *Runner {
	return &Runner{
		name:   name,
		source: source,
		target: target,
		logger: log.WithComponent("connector").With().Str("connection", name).Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the connector's Run loop in a background goroutine.
func (r *Runner) Start() {
	go r.run()
}

// Stop signals the connector to stop and waits for it to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.mu.Unlock()
	<-r.doneCh
}

func (r *Runner) run() {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	r.logger.Info().Msg("connector started")
	if err := r.source.Run(ctx, r.emit); err != nil && ctx.Err() == nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(r.name, "true").Inc()
		r.logger.Error().Err(err).Msg("connector stopped with a terminal error")
		return
	}
	r.logger.Info().Msg("connector stopped")
}

func (r *Runner) emit(op types.LogOperation) error {
	timer := metrics.NewTimer()
	pos, err := r.target.Append(op)
	if err != nil {
		metrics.ConnectorErrorsTotal.WithLabelValues(r.name, "false").Inc()
		r.logger.Error().Err(err).Msg("failed to append connector operation to log")
		return err
	}
	metrics.LogAppendsTotal.WithLabelValues(r.name, logOpKindLabel(op)).Inc()
	r.logger.Debug().Uint64("position", pos).Dur("took", timer.Duration()).Msg("appended connector operation")
	return nil
}

func logOpKindLabel(op types.LogOperation) string {
	switch op.Kind {
	case types.LogOpRecord:
		return "record"
	case types.LogOpCommit:
		return "commit"
	case types.LogOpSnapshottingDone:
		return "snapshotting_done"
	default:
		return "unknown"
	}
}

// PollLoop runs fn every interval until ctx is cancelled, in the teacher's
// ticker-plus-select idiom. Source connectors that poll rather than stream
// (Postgres, S3) use this instead of hand-rolling their own ticker.
func PollLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
