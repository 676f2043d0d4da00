package stats

import (
	"context"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/gru-im/spear/internal/fixtures"
)

func TestAlignedTicks(t *testing.T) {
	t.Parallel()

	ctxTest, testDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer testDone()
	clck := clock.NewMock(time.Unix(103, 0))
	ctx, cancel := context.WithCancel(clock.Context(ctxTest, clck))
	defer cancel()

	var wg wait.Group
	t.Cleanup(wg.Wait)
	ticks := alignedTicks(ctx, &wg, 10*time.Second)
	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)

	clck.Add(6 * time.Second)
	select {
	case <-ticks:
		require.FailNow(t, "ticked before the boundary")
	case <-time.After(10 * time.Millisecond):
	}

	clck.Add(1 * time.Second)
	select {
	case tick := <-ticks:
		assert.Equal(t, time.Unix(110, 0), tick)
	case <-ctxTest.Done():
		require.FailNow(t, "no tick at the boundary")
	}

	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)
	clck.Add(10 * time.Second)
	select {
	case tick := <-ticks:
		assert.Equal(t, time.Unix(120, 0), tick)
	case <-ctxTest.Done():
		require.FailNow(t, "no repeating tick")
	}
}
