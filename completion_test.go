package dispatchz

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestCompletionSignal(t *testing.T) {
	t.Run("Wait Returns Once Every Participant Reports", func(t *testing.T) {
		c := newCompletionSignal()
		c.reset(3)

		done := make(chan struct{})
		go func() {
			c.wait(clockz.RealClock, 0)
			close(done)
		}()

		c.workerDone()
		c.workerDone()
		select {
		case <-done:
			t.Fatal("wait returned before the last participant reported")
		case <-time.After(20 * time.Millisecond):
		}

		c.workerDone()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wait never returned after the last participant reported")
		}
	})

	t.Run("Reusable Across Cycles", func(t *testing.T) {
		c := newCompletionSignal()
		for cycle := 0; cycle < 3; cycle++ {
			c.reset(1)
			done := make(chan struct{})
			go func() {
				c.wait(clockz.RealClock, 0)
				close(done)
			}()
			c.workerDone()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatalf("cycle %d: wait never returned", cycle)
			}
		}
	})

	t.Run("Spin Budget Avoids Blocking For Already-Done Cycles", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		c := newCompletionSignal()
		c.reset(1)
		c.workerDone()

		done := make(chan struct{})
		go func() {
			c.wait(clock, 50*time.Microsecond)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("wait should return during the spin window since pending was already 0")
		}
	})
}
