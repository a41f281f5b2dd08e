package dispatchz

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Signal constants for dispatcher lifecycle events.
// Signals follow the pattern: dispatcher.<event>.
const (
	SignalCycleStarted   capitan.Signal = "dispatcher.cycle.started"
	SignalCycleCompleted capitan.Signal = "dispatcher.cycle.completed"
	SignalCallableFailed capitan.Signal = "dispatcher.callable.failed"
	SignalWorkerSpawned  capitan.Signal = "dispatcher.worker.spawned"
	SignalDisposed       capitan.Signal = "dispatcher.disposed"
)

// Common field keys using capitan primitive types.
var (
	FieldName          = capitan.NewStringKey("name")       // dispatcher instance name
	FieldWorkerCount   = capitan.NewIntKey("worker_count")   // total parties (driver + pooled workers)
	FieldCallableCount = capitan.NewIntKey("callable_count") // registered callables
	FieldFailureCount  = capitan.NewIntKey("failure_count")  // failures recorded this cycle
	FieldStealCount    = capitan.NewIntKey("steal_count")    // steal-cursor claims, including each party's final claim of the sentinel
	FieldDuration      = capitan.NewFloat64Key("duration")   // cycle duration in seconds
	FieldTimestamp     = capitan.NewFloat64Key("timestamp")  // unix timestamp
)

// Metric keys.
const (
	MetricCyclesTotal         = metricz.Key("dispatcher.cycles.total")
	MetricFailuresTotal       = metricz.Key("dispatcher.failures.total")
	MetricStealsTotal         = metricz.Key("dispatcher.steals.total")
	MetricCallablesRegistered = metricz.Key("dispatcher.callables.registered")
	MetricWorkersActive       = metricz.Key("dispatcher.workers.active")
)

// Trace keys.
const (
	SpanCycle tracez.Key = "dispatcher.cycle"

	TagWorkerCount   tracez.Tag = "dispatcher.worker_count"
	TagCallableCount tracez.Tag = "dispatcher.callable_count"
	TagFailureCount  tracez.Tag = "dispatcher.failure_count"
	TagStealCount    tracez.Tag = "dispatcher.steal_count"
)

// Hook keys.
const (
	EventCycleComplete   = hookz.Key("dispatcher.cycle.complete")
	EventCallableFailure = hookz.Key("dispatcher.callable.failure")
)

// CycleEvent is delivered to OnCycleComplete observers once per cycle.
type CycleEvent struct {
	Name          string
	WorkerCount   int
	CallableCount int
	FailureCount  int
	StealCount    int
	Duration      float64 // seconds
}

// FailureEvent is delivered to OnCallableFailure observers, once per
// recorded failure.
type FailureEvent struct {
	Name string
	Err  error
}
