package dispatchz

import "sync/atomic"

// lifecycleState enumerates the phases a dispatcher moves through over its
// lifetime.
type lifecycleState uint32

const (
	// stateConfiguring is the initial phase: zero callables have been added.
	stateConfiguring lifecycleState = iota
	// stateIdle means at least one callable is registered and no cycle is
	// currently running.
	stateIdle
	// stateRunning means a cycle is in flight.
	stateRunning
	// stateDisposed is terminal. It is reachable from any other state except
	// stateRunning: Dispose refuses while a cycle is in flight.
	stateDisposed
)

// dispatcherState is a lock-free CAS state machine. It carries no mutex:
// every transition is a single CompareAndSwap, except the end-of-cycle
// Running to Idle step, which is a single atomic store, and every read is a
// single atomic load, so a driver can check dispatcher phase on the hot path
// without contending with a worker doing the same.
//
//nolint:govet // fieldalignment: padding is the point, not incidental.
type dispatcherState struct {
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newDispatcherState() *dispatcherState {
	s := &dispatcherState{}
	s.v.Store(uint32(stateConfiguring))
	return s
}

func (s *dispatcherState) load() lifecycleState {
	return lifecycleState(s.v.Load())
}

func (s *dispatcherState) store(to lifecycleState) {
	s.v.Store(uint32(to))
}

// tryTransition moves the state from "from" to "to" iff the current state
// is exactly "from".
func (s *dispatcherState) tryTransition(from, to lifecycleState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// transitionAny moves to "to" iff the current state is one of "valid".
func (s *dispatcherState) transitionAny(valid []lifecycleState, to lifecycleState) bool {
	for _, from := range valid {
		if s.tryTransition(from, to) {
			return true
		}
	}
	return false
}
