package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/internal/fixtures"
	"github.com/gru-im/spear/pkg/cluster"
	"github.com/gru-im/spear/pkg/monitor"
	"github.com/gru-im/spear/pkg/spearctx"
	"github.com/gru-im/spear/pkg/transport"
)

func realConfig(mr *miniredis.Miniredis, mode, monitorStart string) map[string]string {
	return map[string]string{
		spear.ParamMode:           mode,
		spear.ParamMonitorStart:   monitorStart,
		spear.ParamMonitorAddr:    "127.0.0.1:0",
		spear.ParamFrontendAddr:   "127.0.0.1:0",
		spear.ParamSpearId:        "node-1",
		spear.ParamOutAddr:        "10.0.0.1:9000",
		spear.ParamZkAddr:         mr.Addr(),
		spear.ParamZkCluster:      "/spear/cluster",
		spear.ParamZkRetryTimes:   "1",
		spear.ParamStatInterval:   "1h",
		spear.ParamInnerQueueSize: "16",
	}
}

func TestNodeFallsBackToInnerTransport(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := spearctx.New(fixtures.NewTestLogger(t), realConfig(mr, "carrier-pigeon", "false"))
	o := New(sc)

	errs := make(chan error, 1)
	go func() {
		errs <- o.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return o.State() == StateRunning
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, transport.ModeInner, o.mode)
	assert.True(t, sc.Degraded())
	assert.True(t, mr.Exists("/spear/cluster/node-1"))

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Run did not return")
	}
	assert.False(t, mr.Exists("/spear/cluster/node-1"))
}

func TestNodeServesMonitor(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := New(spearctx.New(fixtures.NewTestLogger(t), realConfig(mr, "inner", "true")))
	var mon *monitor.Server
	newMonitor := o.newMonitor
	o.newMonitor = func(mode string, fleet monitor.Fleet, sessions monitor.Sessions) (spear.Starter, error) {
		m, err := newMonitor(mode, fleet, sessions)
		if err == nil {
			mon = m.(*monitor.Server)
		}
		return m, err
	}
	errs := make(chan error, 1)
	go func() {
		errs <- o.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return o.State() == StateRunning
	}, 5*time.Second, time.Millisecond)
	require.NotNil(t, mon)

	base := "http://" + mon.Addr().String()
	status := map[string]interface{}{}
	getJSON(t, base+"/status", &status)
	assert.Equal(t, "node-1", status["node"])
	assert.Equal(t, "inner", status["mode"])
	assert.Equal(t, true, status["degraded"])

	var fleet struct {
		Nodes []cluster.Record `json:"nodes"`
	}
	getJSON(t, base+"/cluster", &fleet)
	require.Len(t, fleet.Nodes, 1)
	assert.Equal(t, "10.0.0.1:9000", fleet.Nodes[0].Addr)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "Run did not return")
	}
	assert.False(t, mr.Exists("/spear/cluster/node-1"))
	_, err = http.Get(base + "/status")
	assert.Error(t, err, "monitor still serving after Run returned")
}

func getJSON(t *testing.T, url string, out interface{}) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(out))
}

func TestNodeRocketMQWithoutBrokerIsFatal(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	var reached []State
	sc := spearctx.New(fixtures.NewTestLogger(t), realConfig(mr, "rocketmq", "false"))
	o := New(sc, WithTransitionHook(func(from, to State) {
		reached = append(reached, to)
	}))

	err = o.Run(context.Background())
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "transport", fatal.Stage)
	assert.True(t, errors.Is(err, spear.ErrTransport))
	assert.Equal(t, []State{StateAuxResolved, StateRegistered}, reached)
	assert.Nil(t, sc.Sender())
	assert.False(t, mr.Exists("/spear/cluster/node-1"))
}

func TestNodeUnreachableCoordinatorIsFatal(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	config := realConfig(mr, "inner", "false")
	mr.Close()

	o := New(spearctx.New(fixtures.NewTestLogger(t), config))
	err = o.Run(context.Background())
	assert.True(t, errors.Is(err, spear.ErrRegistration))
	assert.Equal(t, StateAuxResolved, o.State())
	assert.Nil(t, o.frontend)
}
