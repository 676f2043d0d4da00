package auxsvc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/internal/fixtures"
)

func newAuxServer(t *testing.T, healthy bool, reports *int32) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"version":"2.0"}`))
	})
	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":1234}`))
	})
	mux.HandleFunc("/stat", func(w http.ResponseWriter, r *http.Request) {
		var stat spear.NodeStat
		assert.NoError(t, jsoniter.NewDecoder(r.Body).Decode(&stat))
		assert.Equal(t, "node-1", stat.Node)
		atomic.AddInt32(reports, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func testConfig(url string) map[string]string {
	return map[string]string{
		spear.ParamIdgenAddr:          url,
		spear.ParamStatAddr:           url + "/",
		"http-client.retry-policy":    "disabled",
		"http-client.client-timeout":  "1s",
		"http-client.retry-max-count": "0",
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	var reports int32
	ts := newAuxServer(t, true, &reports)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, stat, err := NewResolver(fixtures.NewTestLogger(t), testConfig(ts.URL)).Resolve(ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	require.NotNil(t, stat)

	msgId, err := id.MsgId(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1234, msgId)

	require.NoError(t, stat.Report(ctx, &spear.NodeStat{Node: "node-1"}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&reports))
}

func TestResolveMissingService(t *testing.T) {
	t.Parallel()

	for _, key := range []string{spear.ParamIdgenAddr, spear.ParamStatAddr} {
		cfg := testConfig("http://127.0.0.1:1")
		delete(cfg, key)
		id, stat, err := NewResolver(fixtures.NewTestLogger(t), cfg).Resolve(context.Background())
		require.Error(t, err, key)
		assert.True(t, errors.Is(err, spear.ErrResolution), key)
		assert.Nil(t, id)
		assert.Nil(t, stat)
	}
}

func TestResolveMalformedAddress(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	cfg[spear.ParamIdgenAddr] = "not a url"
	_, _, err := NewResolver(fixtures.NewTestLogger(t), cfg).Resolve(context.Background())
	assert.Equal(t, spear.KindResolution, spear.KindOf(err))
}

func TestDiagnosticFailureDoesNotFailResolve(t *testing.T) {
	t.Parallel()

	var reports int32
	ts := newAuxServer(t, false, &reports)
	defer ts.Close()

	id, stat, err := NewResolver(fixtures.NewTestLogger(t), testConfig(ts.URL)).Resolve(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, id)
	assert.NotNil(t, stat)
}

func TestDiagnosticsAreNotRetried(t *testing.T) {
	t.Parallel()

	var versions, ids, stats int32
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&versions, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/id", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ids, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/stat", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&stats, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg["http-client.retry-policy"] = "constant"
	cfg["http-client.retry-interval"] = "1ms"
	cfg["http-client.retry-max-count"] = "3"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, stat, err := NewResolver(fixtures.NewTestLogger(t), cfg).Resolve(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&versions), "one version query per service")
	assert.EqualValues(t, 1, atomic.LoadInt32(&ids))

	// The resolved handles keep the configured retries.
	assert.Error(t, stat.Report(ctx, &spear.NodeStat{Node: "node-1"}))
	assert.EqualValues(t, 4, atomic.LoadInt32(&stats))
}

func TestBaseURL(t *testing.T) {
	t.Parallel()

	u, err := baseURL(map[string]string{"k": " http://idgen:8080/ "}, "k")
	require.NoError(t, err)
	assert.Equal(t, "http://idgen:8080", u)

	_, err = baseURL(map[string]string{"k": "idgen:8080"}, "k")
	assert.Error(t, err)
	_, err = baseURL(map[string]string{}, "k")
	assert.Error(t, err)
}
