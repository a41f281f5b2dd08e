package dispatchz

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"
	"weak"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// spinBudget bounds how long ExecuteAndWait busy-spins on the completion
// counter before parking on a condition variable. Cycles that finish within
// this window never park the driver.
const spinBudget = 50 * time.Microsecond

// SyncDispatcher registers zero-argument callables and runs all of them in
// parallel on long-lived worker goroutines each time ExecuteAndWait is
// called, blocking the caller until every one of them has finished.
//
// A SyncDispatcher is built for a tight measurement loop: after the first
// trigger, a cycle touches no heap allocation on its happy path. It is not
// safe for concurrent configuration (Add) or concurrent triggering
// (ExecuteAndWait); both are meant to be driven by a single goroutine, per
// the harness contract this type is designed for.
type SyncDispatcher struct {
	name Name

	state *dispatcherState

	head       *workNode
	tail       *workNode
	nodeCount  int
	callerNode *workNode
	stealStart *workNode

	cursor     stealCursor
	sink       exceptionSink
	gate       *barrierGate
	completion *completionSignal
	pool       *workerPool

	clock clockz.Clock

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	cycleHooks   *hookz.Hooks[CycleEvent]
	failureHooks *hookz.Hooks[FailureEvent]
}

// NewSyncDispatcher constructs a dispatcher with room for maxConcurrency
// parties (the calling goroutine plus maxConcurrency-1 pooled workers).
// Pass -1 to use runtime.GOMAXPROCS(0).
func NewSyncDispatcher(maxConcurrency int, opts ...Option) (*SyncDispatcher, error) {
	if maxConcurrency != -1 && maxConcurrency < 1 {
		return nil, &ConfigurationError{Parameter: "maxConcurrency", Value: maxConcurrency}
	}

	effective := maxConcurrency
	if effective == -1 {
		effective = runtime.GOMAXPROCS(0)
	}

	cfg := resolveConfig(opts)
	head := newSyncSentinel()

	d := &SyncDispatcher{
		name:         cfg.name,
		state:        newDispatcherState(),
		head:         head,
		tail:         head,
		stealStart:   head,
		gate:         newBarrierGate(),
		completion:   newCompletionSignal(),
		pool:         &workerPool{capacity: effective - 1},
		clock:        clockz.RealClock,
		metrics:      cfg.metrics,
		tracer:       cfg.tracer,
		cycleHooks:   hookz.New[CycleEvent](),
		failureHooks: hookz.New[FailureEvent](),
	}
	d.cursor.reset(head)
	return d, nil
}

// Add registers a callable to run on every future cycle. The first callable
// added becomes the one the triggering goroutine itself runs; the next
// maxConcurrency-1 each get a dedicated worker goroutine spawned on the
// spot; any further callables become stealable work, claimed by whichever
// party finishes its own starting node first.
func (d *SyncDispatcher) Add(action func()) error {
	switch d.state.load() {
	case stateDisposed:
		return usageError("Add", "dispatcher has been disposed")
	case stateRunning:
		return usageError("Add", "a cycle is currently running")
	}

	node := &workNode{action: action, next: d.head, index: d.nodeCount}
	d.tail.next = node
	d.tail = node
	d.nodeCount++

	switch {
	case d.nodeCount == 1:
		d.callerNode = node
	default:
		if d.pool.spawned < d.pool.capacity {
			n := node
			// The participant must be registered with the gate before its
			// goroutine exists, otherwise the new worker could observe the
			// gate's old (smaller) participant count and release the
			// barrier early.
			d.gate.addParticipant()
			d.pool.spawnOne(func() {
				syncWorkerLoop(weak.Make(d), n)
			})
			capitan.Info(context.Background(), SignalWorkerSpawned,
				FieldName.Field(d.name),
				FieldWorkerCount.Field(d.pool.spawned+1),
			)
		} else if d.stealStart == d.head {
			d.stealStart = node
		}
	}

	d.state.transitionAny([]lifecycleState{stateConfiguring}, stateIdle)
	return nil
}

// ExecuteAndWait runs every registered callable in parallel and blocks
// until all of them have finished, returning their aggregated failures (if
// any). It is the dispatcher's steady-state operation: called repeatedly,
// it performs no heap allocation as long as every callable succeeds.
func (d *SyncDispatcher) ExecuteAndWait() error {
	if !d.state.tryTransition(stateIdle, stateRunning) {
		switch d.state.load() {
		case stateDisposed:
			return usageError("ExecuteAndWait", "dispatcher has been disposed")
		case stateConfiguring:
			return usageError("ExecuteAndWait", "no callables registered")
		default:
			return usageError("ExecuteAndWait", "a previous cycle is still running")
		}
	}

	ctx := context.Background()
	start := d.clock.Now()
	ctx, span := d.tracer.StartSpan(ctx, SpanCycle)
	capitan.Info(ctx, SignalCycleStarted, FieldName.Field(d.name))

	d.cursor.reset(d.stealStart)
	d.head.next = d.head // splice out the sentinel so a full lap dead-ends here, not back into this cycle's nodes
	d.completion.reset(int64(d.pool.spawned) + 1)

	d.gate.signalAndWait()

	drainSync(d.callerNode, d.head, &d.cursor, &d.sink)
	d.completion.workerDone()

	d.completion.wait(d.clock, spinBudget)

	d.head.next = d.callerNode // callerNode is always the ring's first node
	d.state.store(stateIdle)

	err := d.sink.drain()
	duration := d.clock.Now().Sub(start)
	d.reportCycle(ctx, span, duration, err)

	return err
}

// reportCycle emits the signal/metric/trace/hook observability for one
// finished cycle.
func (d *SyncDispatcher) reportCycle(ctx context.Context, span *tracez.Span, duration time.Duration, err error) {
	failureCount := 0
	if agg, ok := err.(*AggregatedError); ok {
		failureCount = len(agg.Errors)
		for _, e := range agg.Errors {
			if d.failureHooks.ListenerCount(EventCallableFailure) > 0 {
				_ = d.failureHooks.Emit(ctx, EventCallableFailure, FailureEvent{Name: d.name, Err: e})
			}
			capitan.Error(ctx, SignalCallableFailed,
				FieldName.Field(d.name),
				FieldTimestamp.Field(float64(d.clock.Now().Unix())),
			)
		}
	}

	workers := d.pool.spawned + 1
	steals := int(d.cursor.steals.Load())

	d.metrics.Counter(MetricCyclesTotal).Inc()
	for i := 0; i < failureCount; i++ {
		d.metrics.Counter(MetricFailuresTotal).Inc()
	}
	for i := 0; i < steals; i++ {
		d.metrics.Counter(MetricStealsTotal).Inc()
	}
	d.metrics.Gauge(MetricCallablesRegistered).Set(float64(d.nodeCount))
	d.metrics.Gauge(MetricWorkersActive).Set(float64(workers))

	span.SetTag(TagWorkerCount, strconv.Itoa(workers))
	span.SetTag(TagCallableCount, strconv.Itoa(d.nodeCount))
	span.SetTag(TagFailureCount, strconv.Itoa(failureCount))
	span.SetTag(TagStealCount, strconv.Itoa(steals))
	span.Finish()

	capitan.Info(ctx, SignalCycleCompleted,
		FieldName.Field(d.name),
		FieldWorkerCount.Field(workers),
		FieldCallableCount.Field(d.nodeCount),
		FieldFailureCount.Field(failureCount),
		FieldStealCount.Field(steals),
		FieldDuration.Field(duration.Seconds()),
	)

	if d.cycleHooks.ListenerCount(EventCycleComplete) > 0 {
		_ = d.cycleHooks.Emit(ctx, EventCycleComplete, CycleEvent{
			Name:          d.name,
			WorkerCount:   workers,
			CallableCount: d.nodeCount,
			FailureCount:  failureCount,
			StealCount:    steals,
			Duration:      duration.Seconds(),
		})
	}
}

// Dispose marks the dispatcher terminal, wakes and joins every worker
// goroutine, and releases its held state. It is idempotent to call more
// than once only in the sense that every call after the first returns a
// UsageError; it does not panic or double-close anything.
func (d *SyncDispatcher) Dispose() error {
	for {
		s := d.state.load()
		if s == stateDisposed {
			return usageError("Dispose", "dispatcher already disposed")
		}
		if s == stateRunning {
			return usageError("Dispose", "a cycle is currently running")
		}
		if d.state.tryTransition(s, stateDisposed) {
			break
		}
	}

	d.callerNode = nil
	for n := d.head.next; n != d.head; n = n.next {
		n.action = func() {}
	}

	d.gate.signalAndWait()
	d.pool.join()

	d.cycleHooks.Close()
	d.failureHooks.Close()
	d.tracer.Close()

	capitan.Info(context.Background(), SignalDisposed, FieldName.Field(d.name))
	return nil
}

// Metrics returns the registry this dispatcher reports counters and gauges
// to.
func (d *SyncDispatcher) Metrics() *metricz.Registry {
	return d.metrics
}

// Tracer returns the tracer this dispatcher opens cycle spans on.
func (d *SyncDispatcher) Tracer() *tracez.Tracer {
	return d.tracer
}

// OnCycleComplete registers an observer invoked once per finished cycle.
func (d *SyncDispatcher) OnCycleComplete(handler func(context.Context, CycleEvent) error) error {
	_, err := d.cycleHooks.Hook(EventCycleComplete, handler)
	return err
}

// OnCallableFailure registers an observer invoked once per recorded
// callable failure.
func (d *SyncDispatcher) OnCallableFailure(handler func(context.Context, FailureEvent) error) error {
	_, err := d.failureHooks.Hook(EventCallableFailure, handler)
	return err
}

// WithClock overrides the clock used for cycle timing and spin-to-block
// escalation. Intended for deterministic tests with a fake clock; call it
// before the first ExecuteAndWait.
func (d *SyncDispatcher) WithClock(clock clockz.Clock) *SyncDispatcher {
	d.clock = clock
	return d
}

// drainSync runs callables starting at start, repeatedly claiming the next
// ring position from cursor, until it claims the sentinel.
func drainSync(start, sentinel *workNode, cursor *stealCursor, sink *exceptionSink) {
	n := start
	for n != sentinel {
		runSyncCallable(n.action, n.index, sink)
		n = cursor.takeNext()
	}
}

func runSyncCallable(action func(), index int, sink *exceptionSink) {
	defer func() {
		if r := recover(); r != nil {
			sink.record(&CallableError{
				Err:       fmt.Errorf("panic: %v", r),
				Recovered: r,
				Timestamp: time.Now(),
				Index:     index,
			})
		}
	}()
	action()
}

// syncWorkerLoop is the body of one pooled worker goroutine. It holds only
// a weak reference to the dispatcher, upgraded to a strong reference for
// just long enough to read the fields it needs at the rendezvous point.
// The cursor and sink pointers it keeps for the cycle point into the
// dispatcher, so the dispatcher stays reachable while this worker's share
// of a cycle runs; while parked at the gate between cycles the worker holds
// only the gate, so an abandoned, never-disposed dispatcher can still be
// collected and this goroutine will exit on its next wakeup.
func syncWorkerLoop(self weak.Pointer[SyncDispatcher], start *workNode) {
	for {
		d := self.Value()
		if d == nil {
			return
		}
		gate := d.gate
		d = nil
		gate.signalAndWait()

		d = self.Value()
		if d == nil || d.state.load() == stateDisposed {
			return
		}
		cursor := &d.cursor
		sink := &d.sink
		sentinel := d.head
		completion := d.completion
		d = nil

		drainSync(start, sentinel, cursor, sink)
		completion.workerDone()
	}
}
