package fixtures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"
)

// EnsureAttachedTimers waits, in wall time, until at least count timers or tickers are attached to clck.
func EnsureAttachedTimers(tb testing.TB, clck *clock.Mock, count int, within time.Duration) {
	deadline := time.Now().Add(within)
	for clck.Len() < count {
		if time.Now().After(deadline) {
			require.FailNow(tb, "timers were not attached in time", "want %d, have %d", count, clck.Len())
		}
		time.Sleep(time.Millisecond)
	}
}
