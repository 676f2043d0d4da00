package stats

import (
	"context"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/tilinna/clock"
)

// alignedTicks fires at every multiple of interval until ctx is done, so nodes
// with the same interval report together.  The time sent is the aligned time
// rather than the time of firing.  Ticks are dropped while the receiver is busy.
// The timer goroutine is scheduled on wg.
func alignedTicks(ctx context.Context, wg *wait.Group, interval time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	wg.Start(func() {
		clck := clock.FromContext(ctx)
		now := clck.Now()
		tmr := clck.NewTimer(now.Truncate(interval).Add(interval).Sub(now))
		defer tmr.Stop()

		tick := tmr.C
		var tckr *clock.Ticker
		defer func() {
			if tckr != nil {
				tckr.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-tick:
				if tckr == nil {
					// Start the repeating ticker as soon as the first boundary is reached
					tckr = clck.NewTicker(interval)
					tick = tckr.C
				}
				select {
				case ch <- t.Truncate(interval):
				default:
				}
			}
		}
	})
	return ch
}
