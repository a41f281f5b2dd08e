package dispatchz

import "sync"

// barrierGate is a reusable N-party rendezvous. The driver counts as one
// participant for the dispatcher's whole life; the dispatcher adds a
// participant each time it spawns a worker. Every registered participant
// calls signalAndWait once per cycle; none return until all of them have.
//
// Participant count mutations (addParticipant) happen from Add, between
// cycles, while earlier workers may already be parked in signalAndWait.
// That is safe because the driver, itself a participant, has not arrived
// yet, so the gate cannot release until the driver's next signalAndWait.
type barrierGate struct {
	mu           sync.Mutex
	cond         *sync.Cond
	participants int
	arrived      int
	generation   uint64
}

// newBarrierGate returns a gate with the driver as its sole participant.
func newBarrierGate() *barrierGate {
	g := &barrierGate{participants: 1}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *barrierGate) addParticipant() {
	g.mu.Lock()
	g.participants++
	g.mu.Unlock()
}

// signalAndWait blocks the calling goroutine until every registered
// participant has called signalAndWait for the current generation, then
// releases all of them together and advances to the next generation.
func (g *barrierGate) signalAndWait() {
	g.mu.Lock()
	gen := g.generation
	g.arrived++
	if g.arrived == g.participants {
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		g.mu.Unlock()
		return
	}
	for gen == g.generation {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
