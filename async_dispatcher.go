package dispatchz

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
	"weak"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// AsyncDispatcher registers callables that return an Awaitable and runs all
// of them in parallel on long-lived worker goroutines each time
// ExecuteAndWaitAsync is called. Unlike SyncDispatcher, a worker that hits
// a suspended Awaitable doesn't block: it attaches a continuation and is
// free to be reused by whatever resumes that Awaitable, which may run on a
// different goroutine entirely.
//
// It is not safe for concurrent configuration (Add) or concurrent
// triggering (ExecuteAndWaitAsync); both are meant to be driven by a
// single goroutine.
type AsyncDispatcher struct {
	name Name

	state *dispatcherState

	head       *asyncWorkNode
	tail       *asyncWorkNode
	nodeCount  int
	callerNode *asyncWorkNode
	stealStart *asyncWorkNode

	cursor  asyncStealCursor
	sink    exceptionSink
	gate    *barrierGate
	pending atomic.Int64
	pool    *workerPool
	future  *Future

	// cycleSpan and cycleStart belong to whichever cycle is currently in
	// flight. Valid only between ExecuteAndWaitAsync starting a cycle and
	// asyncParticipantDone finishing it; safe because only one cycle runs
	// at a time.
	cycleSpan  *tracez.Span
	cycleStart time.Time

	clock clockz.Clock

	metrics      *metricz.Registry
	tracer       *tracez.Tracer
	cycleHooks   *hookz.Hooks[CycleEvent]
	failureHooks *hookz.Hooks[FailureEvent]
}

// NewAsyncDispatcher constructs a dispatcher with room for maxConcurrency
// parties. Pass -1 to use runtime.GOMAXPROCS(0).
func NewAsyncDispatcher(maxConcurrency int, opts ...Option) (*AsyncDispatcher, error) {
	if maxConcurrency != -1 && maxConcurrency < 1 {
		return nil, &ConfigurationError{Parameter: "maxConcurrency", Value: maxConcurrency}
	}

	effective := maxConcurrency
	if effective == -1 {
		effective = runtime.GOMAXPROCS(0)
	}

	cfg := resolveConfig(opts)
	head := newAsyncSentinel()

	d := &AsyncDispatcher{
		name:         cfg.name,
		state:        newDispatcherState(),
		head:         head,
		tail:         head,
		stealStart:   head,
		gate:         newBarrierGate(),
		pool:         &workerPool{capacity: effective - 1},
		future:       newFuture(),
		clock:        clockz.RealClock,
		metrics:      cfg.metrics,
		tracer:       cfg.tracer,
		cycleHooks:   hookz.New[CycleEvent](),
		failureHooks: hookz.New[FailureEvent](),
	}
	d.cursor.reset(head)
	return d, nil
}

// Add registers a callable to run on every future cycle, following the
// same caller-node / dedicated-worker / stealable-overflow placement rule
// as SyncDispatcher.Add.
func (d *AsyncDispatcher) Add(action func() Awaitable) error {
	switch d.state.load() {
	case stateDisposed:
		return usageError("Add", "dispatcher has been disposed")
	case stateRunning:
		return usageError("Add", "a cycle is currently running")
	}

	node := &asyncWorkNode{action: action, next: d.head, index: d.nodeCount}
	d.tail.next = node
	d.tail = node
	d.nodeCount++

	switch {
	case d.nodeCount == 1:
		d.callerNode = node
	default:
		if d.pool.spawned < d.pool.capacity {
			n := node
			d.gate.addParticipant()
			d.pool.spawnOne(func() {
				asyncWorkerLoop(weak.Make(d), n)
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

// ExecuteAndWaitAsync fans out every registered callable and returns a
// Future that completes once all of them (including any that suspended and
// were resumed elsewhere) have finished. The returned Future is the
// dispatcher's own, reused every cycle; callers needing to hold onto a
// cycle's specific result should call Wait or OnComplete before triggering
// the next cycle. A call rejected because a cycle is still running returns
// a separate, already-failed Future, leaving the running cycle's Future
// untouched.
func (d *AsyncDispatcher) ExecuteAndWaitAsync() *Future {
	if !d.state.tryTransition(stateIdle, stateRunning) {
		f := d.future
		var reason string
		switch d.state.load() {
		case stateDisposed:
			reason = "dispatcher has been disposed"
		case stateConfiguring:
			reason = "no callables registered"
		default:
			reason = "a previous cycle is still running"
			f = newFuture()
		}
		if f == d.future {
			f.reset()
		}
		f.fire(usageError("ExecuteAndWaitAsync", reason))
		return f
	}

	d.future.reset()
	ctx := context.Background()
	d.cycleStart = d.clock.Now()
	ctx, d.cycleSpan = d.tracer.StartSpan(ctx, SpanCycle)
	capitan.Info(ctx, SignalCycleStarted, FieldName.Field(d.name))

	d.cursor.reset(d.stealStart)
	d.head.next = d.head
	d.pending.Store(int64(d.pool.spawned) + 1)

	d.gate.signalAndWait()

	drainAsync(d.callerNode, d.head, &d.cursor, &d.sink, d.asyncParticipantDone)

	return d.future
}

// asyncParticipantDone records that one participant (the driver, a worker,
// or a resumed continuation) has finished its share of the cycle, and runs
// the cycle-completion path exactly once, when the last one reports in.
// Safe to call from any goroutine: the decrement is atomic, and only the
// caller that observes it reach zero proceeds past it.
func (d *AsyncDispatcher) asyncParticipantDone() {
	if d.pending.Add(-1) != 0 {
		return
	}

	d.head.next = d.callerNode
	d.state.store(stateIdle)

	err := d.sink.drain()
	duration := d.clock.Now().Sub(d.cycleStart)
	d.reportCycle(context.Background(), d.cycleSpan, duration, err)
	d.future.fire(err)
}

// reportCycle emits the signal/metric/trace/hook observability for one
// finished cycle. Identical in shape to SyncDispatcher's, duplicated here
// rather than shared because the two types carry distinct node/cursor
// types and no common supertype would save more than it costs.
func (d *AsyncDispatcher) reportCycle(ctx context.Context, span *tracez.Span, duration time.Duration, err error) {
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
// goroutine, and releases its held state.
func (d *AsyncDispatcher) Dispose() error {
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
		n.action = func() Awaitable { return nil }
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
func (d *AsyncDispatcher) Metrics() *metricz.Registry {
	return d.metrics
}

// Tracer returns the tracer this dispatcher opens cycle spans on.
func (d *AsyncDispatcher) Tracer() *tracez.Tracer {
	return d.tracer
}

// OnCycleComplete registers an observer invoked once per finished cycle.
func (d *AsyncDispatcher) OnCycleComplete(handler func(context.Context, CycleEvent) error) error {
	_, err := d.cycleHooks.Hook(EventCycleComplete, handler)
	return err
}

// OnCallableFailure registers an observer invoked once per recorded
// callable failure.
func (d *AsyncDispatcher) OnCallableFailure(handler func(context.Context, FailureEvent) error) error {
	_, err := d.failureHooks.Hook(EventCallableFailure, handler)
	return err
}

// WithClock overrides the clock used for cycle timing. Intended for
// deterministic tests with a fake clock; call it before the first
// ExecuteAndWaitAsync.
func (d *AsyncDispatcher) WithClock(clock clockz.Clock) *AsyncDispatcher {
	d.clock = clock
	return d
}

// drainAsync runs callables starting at n, claiming the next ring position
// from cursor each time one finishes synchronously, until it claims the
// sentinel, at which point it reports this participant's share of the
// cycle done. The first time a callable's Awaitable isn't done yet, it
// installs a continuation and returns instead, handing control back to the
// caller (the driver or a worker); whatever resumes that Awaitable later
// calls drainAsync again to pick up where this one left off, eventually
// reporting done itself once it too reaches the sentinel.
func drainAsync(n, sentinel *asyncWorkNode, cursor *asyncStealCursor, sink *exceptionSink, done func()) {
	for n != sentinel {
		index := n.index
		aw, recovered := invokeAsyncAction(n.action)
		if recovered != nil {
			sink.record(&CallableError{
				Err:       fmt.Errorf("panic: %v", recovered),
				Recovered: recovered,
				Timestamp: time.Now(),
				Index:     index,
			})
			n = cursor.takeNext()
			continue
		}

		if polled, perr := aw.Poll(); polled {
			if perr != nil {
				sink.record(&CallableError{Err: perr, Timestamp: time.Now(), Index: index})
			}
			n = cursor.takeNext()
			continue
		}

		aw.OnDone(func(onDoneErr error) {
			if onDoneErr != nil {
				sink.record(&CallableError{Err: onDoneErr, Timestamp: time.Now(), Index: index})
			}
			drainAsync(cursor.takeNext(), sentinel, cursor, sink, done)
		})
		return
	}
	done()
}

func invokeAsyncAction(action func() Awaitable) (aw Awaitable, recovered any) {
	defer func() {
		recovered = recover()
	}()
	aw = action()
	return aw, nil
}

// asyncWorkerLoop is the body of one pooled worker goroutine. Like
// syncWorkerLoop, it holds only a weak reference to the dispatcher between
// cycles, upgraded to strong just long enough to read the fields it needs
// at the rendezvous point.
//
// The cursor and sink pointers (which point into the dispatcher) and the
// done closure handed to drainAsync (a bound asyncParticipantDone method
// value) do keep a strong reference to the dispatcher alive for
// as long as this worker's share of the cycle, including any suspended
// tail of it resumed on another goroutine, remains outstanding. That is
// the in-flight-work case, not the idle-capacity case weak references
// guard against: a cycle genuinely in progress is expected to keep its
// dispatcher alive until it settles.
func asyncWorkerLoop(self weak.Pointer[AsyncDispatcher], start *asyncWorkNode) {
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
		done := d.asyncParticipantDone
		d = nil

		drainAsync(start, sentinel, cursor, sink, done)
	}
}
