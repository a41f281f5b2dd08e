package dispatchz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// completionSignal counts down from the participant count of one cycle to
// zero and wakes the driver when it gets there. The countdown itself is a
// single atomic decrement per participant, so it adds no allocation and no
// lock contention to the hot path. The mutex is taken once per cycle by
// reset, once by the participant that brings the count to zero, and once by
// the driver's wait.
type completionSignal struct {
	pending atomic.Int64

	mu    sync.Mutex
	cond  *sync.Cond
	fired bool
}

func newCompletionSignal() *completionSignal {
	c := &completionSignal{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// reset prepares the signal for a new cycle with n participants still to
// report. Called only by the driver, only before the cycle's barrier
// release.
func (c *completionSignal) reset(n int64) {
	c.mu.Lock()
	c.fired = false
	c.mu.Unlock()
	c.pending.Store(n)
}

// workerDone reports that one participant has finished its share of the
// cycle. The last caller to reach zero wakes the driver.
func (c *completionSignal) workerDone() {
	if c.pending.Add(-1) == 0 {
		c.mu.Lock()
		c.fired = true
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// wait blocks until every participant has called workerDone. It spins for
// up to spinBudget, measured with clock, before parking on a condition
// variable, trading a little CPU for avoiding a syscall-grade park on
// cycles that finish within a few scheduler quanta. Even when the spin sees
// the count reach zero, wait still takes the mutex and waits for fired, so
// it never returns while the last participant has yet to set fired (which
// would otherwise leak into the next cycle after reset).
func (c *completionSignal) wait(clock clockz.Clock, spinBudget time.Duration) {
	if spinBudget > 0 {
		deadline := clock.Now().Add(spinBudget)
		for clock.Now().Before(deadline) {
			if c.pending.Load() == 0 {
				break
			}
		}
	}

	c.mu.Lock()
	for !c.fired {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
