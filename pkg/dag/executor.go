package dag

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Message is what flows on an edge channel: either a data payload or an
// Epoch(e) control marker (§4.6).
type Message[T any] struct {
	Op    T
	Epoch *uint64
}

// OpMsg wraps a data payload for transmission on an edge.
func OpMsg[T any](op T) Message[T] { return Message[T]{Op: op} }

// EpochMsg builds an Epoch(e) control message.
func EpochMsg[T any](epoch uint64) Message[T] { return Message[T]{Epoch: &epoch} }

// IsEpoch reports whether this message is an Epoch control marker.
func (m Message[T]) IsEpoch() bool { return m.Epoch != nil }

// Runner is implemented by every node a DagExecutor drives. Run receives
// one receive-only channel per declared input port (empty for a Source)
// and one send-only channel per declared output port (empty for a Sink).
// Implementations must return promptly when ctx is cancelled.
//
// A Processor must forward Epoch(e) downstream on every output port only
// after observing it on every input port, having first called its own
// commit logic for e. A Sink must call its own commit logic on Epoch(e)
// and then call DagExecutor.AckEpoch.
type Runner[T any] interface {
	Handle() NodeHandle
	Run(ctx context.Context, in map[PortHandle]<-chan Message[T], out map[PortHandle]chan<- Message[T]) error
}

// DagExecutor runs a validated Dag: one goroutine per node, connected by
// bounded channels per edge, implementing the epoch commit protocol and
// crash-guard panic recovery of §4.6.
type DagExecutor[T any] struct {
	name    string
	schemas *DagSchemas
	runners map[NodeHandle]Runner[T]
	chanCap int

	totalSinks int

	mu         sync.Mutex
	cancel     context.CancelFunc
	epochAcked map[uint64]int
	epochDone  map[uint64]chan struct{}
	epochStart map[uint64]time.Time
}

func newExecutor[T any](name string, schemas *DagSchemas, runners map[NodeHandle]Runner[T], chanCap int) *DagExecutor[T] {
	if chanCap <= 0 {
		chanCap = 256
	}
	sinks := 0
	for _, k := range schemas.Nodes {
		if k == KindSink {
			sinks++
		}
	}
	return &DagExecutor[T]{
		name:       name,
		schemas:    schemas,
		runners:    runners,
		chanCap:    chanCap,
		totalSinks: sinks,
		epochAcked: map[uint64]int{},
		epochDone:  map[uint64]chan struct{}{},
		epochStart: map[uint64]time.Time{},
	}
}

// BeginEpoch records when epoch e started, so AckEpoch can observe the
// epoch's end-to-end latency once every sink has acknowledged it.
func (e *DagExecutor[T]) BeginEpoch(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epochStart[epoch] = time.Now()
}

// AckEpoch is called by a Sink's Run implementation after it has
// committed epoch. Once every sink has acked, the epoch is complete:
// any WaitForEpoch callers unblock and a latency sample is recorded.
func (e *DagExecutor[T]) AckEpoch(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.epochAcked[epoch]++
	if e.totalSinks > 0 && e.epochAcked[epoch] < e.totalSinks {
		return
	}

	if start, ok := e.epochStart[epoch]; ok {
		metrics.DagEpochLatency.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
		delete(e.epochStart, epoch)
	}
	ch, ok := e.epochDone[epoch]
	if !ok {
		ch = make(chan struct{})
		e.epochDone[epoch] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// WaitForEpoch blocks until every sink has acked epoch, or ctx is done.
func (e *DagExecutor[T]) WaitForEpoch(ctx context.Context, epoch uint64) error {
	e.mu.Lock()
	ch, ok := e.epochDone[epoch]
	if !ok {
		ch = make(chan struct{})
		e.epochDone[epoch] = ch
	}
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run wires every node's channels and starts one goroutine per node. It
// blocks until ctx is cancelled or a node returns a permanent error, at
// which point the remaining nodes are cancelled and the first error is
// returned (join() semantics of §4.6).
func (e *DagExecutor[T]) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	inRecv := map[NodeHandle]map[PortHandle]<-chan Message[T]{}
	outSend := map[NodeHandle]map[PortHandle]chan<- Message[T]{}
	for h := range e.schemas.Nodes {
		inRecv[h] = map[PortHandle]<-chan Message[T]{}
		outSend[h] = map[PortHandle]chan<- Message[T]{}
	}
	for _, edge := range e.schemas.Edges {
		ch := make(chan Message[T], e.chanCap)
		outSend[edge.From][edge.FromPort] = ch
		inRecv[edge.To][edge.ToPort] = ch
	}

	g, gctx := errgroup.WithContext(runCtx)
	for h, runner := range e.runners {
		h, runner := h, runner
		kind := e.schemas.Nodes[h]
		nodeIn := inRecv[h]
		nodeOut := outSend[h]

		metrics.DagNodesTotal.WithLabelValues(kind.String()).Inc()
		g.Go(func() (runErr error) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer metrics.DagNodesTotal.WithLabelValues(kind.String()).Dec()
			defer func() {
				if r := recover(); r != nil {
					metrics.DagNodeFailuresTotal.WithLabelValues(h.String()).Inc()
					runErr = &types.DagError{Node: h.String(), Reason: fmt.Sprintf("panic: %v", r)}
				}
			}()
			epLog := log.WithComponent("dag")
			if err := runner.Run(gctx, nodeIn, nodeOut); err != nil {
				metrics.DagNodeFailuresTotal.WithLabelValues(h.String()).Inc()
				epLog.Error().Err(err).Str("node", h.String()).Msg("dag node terminated")
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// Shutdown waits for lastEpoch to complete (a graceful drain point), then
// cancels every node, causing Run to return once each node observes
// context cancellation.
func (e *DagExecutor[T]) Shutdown(ctx context.Context, lastEpoch uint64) error {
	if err := e.WaitForEpoch(ctx, lastEpoch); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
