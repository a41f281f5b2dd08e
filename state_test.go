package dispatchz

import "testing"

func TestDispatcherState(t *testing.T) {
	t.Run("Starts Configuring", func(t *testing.T) {
		s := newDispatcherState()
		if s.load() != stateConfiguring {
			t.Errorf("expected stateConfiguring, got %v", s.load())
		}
	})

	t.Run("TryTransition Succeeds On Match", func(t *testing.T) {
		s := newDispatcherState()
		if !s.tryTransition(stateConfiguring, stateIdle) {
			t.Fatal("expected transition to succeed")
		}
		if s.load() != stateIdle {
			t.Errorf("expected stateIdle, got %v", s.load())
		}
	})

	t.Run("TryTransition Fails On Mismatch", func(t *testing.T) {
		s := newDispatcherState()
		if s.tryTransition(stateRunning, stateDisposed) {
			t.Fatal("expected transition to fail")
		}
		if s.load() != stateConfiguring {
			t.Errorf("state should be unchanged, got %v", s.load())
		}
	})

	t.Run("TransitionAny Tries Each Candidate", func(t *testing.T) {
		s := newDispatcherState()
		s.store(stateIdle)
		ok := s.transitionAny([]lifecycleState{stateConfiguring, stateIdle}, stateRunning)
		if !ok {
			t.Fatal("expected one of the candidates to match")
		}
		if s.load() != stateRunning {
			t.Errorf("expected stateRunning, got %v", s.load())
		}
	})

	t.Run("TransitionAny Fails When None Match", func(t *testing.T) {
		s := newDispatcherState()
		s.store(stateDisposed)
		if s.transitionAny([]lifecycleState{stateConfiguring, stateIdle}, stateRunning) {
			t.Fatal("expected no candidate to match")
		}
	})
}
