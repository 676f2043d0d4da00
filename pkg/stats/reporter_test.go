package stats

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/internal/fixtures"
	"github.com/gru-im/spear/pkg/spearctx"
)

type fixedSessions int

func (f fixedSessions) Online() int { return int(f) }

func newTestContext(t *testing.T, extra map[string]string) *spearctx.Context {
	config := map[string]string{
		spear.ParamSpearId:      "node-1",
		spear.ParamOutAddr:      "10.0.0.1:9000",
		spear.ParamStatInterval: "10s",
	}
	for k, v := range extra {
		config[k] = v
	}
	return spearctx.New(fixtures.NewTestLogger(t), config)
}

func TestReporterReportsEveryInterval(t *testing.T) {
	t.Parallel()

	ctxTest, testDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer testDone()
	clck := clock.NewMock(time.Unix(100, 0))
	ctx := clock.Context(ctxTest, clck)

	reported := make(chan *spear.NodeStat, 10)
	sc := newTestContext(t, nil)
	sc.SetStatService(&fixtures.MockStatService{
		TB: t,
		FnReport: func(ctx context.Context, stat *spear.NodeStat) error {
			reported <- stat
			return nil
		},
	})
	sender := &fixtures.CapturingSender{}
	require.NoError(t, sender.Send(ctx, &spear.Message{}))
	sc.SetTransport(sender, nil)

	r := NewReporter(sc, fixedSessions(4))
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Wait)
	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)

	clck.Add(10 * time.Second)
	select {
	case stat := <-reported:
		assert.Equal(t, "node-1", stat.Node)
		assert.Equal(t, "10.0.0.1:9000", stat.Addr)
		assert.Equal(t, 4, stat.Online)
		assert.EqualValues(t, 1, stat.Sent)
		assert.EqualValues(t, 0, stat.Received)
		assert.Equal(t, time.Unix(110, 0).UTC(), stat.Time)
	case <-ctxTest.Done():
		require.FailNow(t, "no report")
	}

	clck.Add(10 * time.Second)
	select {
	case <-reported:
	case <-ctxTest.Done():
		require.FailNow(t, "no second report")
	}
}

func TestReporterContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	ctxTest, testDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer testDone()
	clck := clock.NewMock(time.Unix(100, 0))
	ctx := clock.Context(ctxTest, clck)

	var calls int32
	sc := newTestContext(t, nil)
	sc.SetStatService(&fixtures.MockStatService{
		TB: t,
		FnReport: func(ctx context.Context, stat *spear.NodeStat) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("stat service down")
		},
	})

	r := NewReporter(sc, nil)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Wait)
	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)

	for i := 0; i < 3; i++ {
		clck.Add(10 * time.Second)
		require.Eventually(t, func() bool {
			total, _ := r.Reports()
			return total == uint64(i+1)
		}, time.Second, time.Millisecond)
	}
	total, failed := r.Reports()
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 3, failed)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestReporterSkipsWhenDegraded(t *testing.T) {
	t.Parallel()

	ctxTest, testDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer testDone()
	clck := clock.NewMock(time.Unix(100, 0))
	ctx := clock.Context(ctxTest, clck)

	r := NewReporter(newTestContext(t, nil), fixedSessions(1))
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Wait)
	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)

	clck.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		total, _ := r.Reports()
		return total == 1
	}, time.Second, time.Millisecond)
	_, failed := r.Reports()
	assert.Zero(t, failed)
}

func TestReporterStartErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReporter(newTestContext(t, map[string]string{spear.ParamStatInterval: "0s"}), nil)
	assert.True(t, errors.Is(r.Start(ctx), spear.ErrStatReport))

	l, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	r = NewReporter(newTestContext(t, map[string]string{spear.ParamStatsdAddr: l.LocalAddr().String()}), nil)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Wait)
	assert.NotNil(t, r.gauges)
	assert.Equal(t, spear.ErrAlreadyStarted, r.Start(ctx))
}

func TestReporterRunsWithoutStatsd(t *testing.T) {
	t.Parallel()

	ctxTest, testDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer testDone()
	clck := clock.NewMock(time.Unix(100, 0))
	ctx := clock.Context(ctxTest, clck)

	r := NewReporter(newTestContext(t, map[string]string{spear.ParamStatsdAddr: "missing-port"}), fixedSessions(1))
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Wait)
	assert.Nil(t, r.gauges)
	fixtures.EnsureAttachedTimers(t, clck, 1, time.Second)

	clck.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		total, _ := r.Reports()
		return total == 1
	}, time.Second, time.Millisecond)
}
