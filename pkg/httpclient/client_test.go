package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gru-im/spear/internal/fixtures"
	"github.com/gru-im/spear/pkg/util"
)

func newTestClient(t *testing.T, retries uint64) *HttpClient {
	hc, err := NewHttpClient(fixtures.NewTestLogger(t), "tcp", 2, time.Second, util.NewBackoffFactory(1.0, time.Second, time.Millisecond, retries))
	require.NoError(t, err)
	return hc
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"version":"1.2.3"}`))
	}))
	defer ts.Close()

	var out struct {
		Version string `json:"version"`
	}
	hc := newTestClient(t, 1)
	require.NoError(t, hc.GetJSON(context.Background(), ts.URL+"/version", &out))
	assert.Equal(t, "1.2.3", out.Version)

	sent, retried, failed := hc.Stats()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 0, retried)
	assert.EqualValues(t, 0, failed)
}

func TestPostJSONRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var in map[string]int
		assert.NoError(t, jsoniter.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 3, in["online"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	hc := newTestClient(t, 3)
	require.NoError(t, hc.PostJSON(context.Background(), ts.URL+"/stat", map[string]int{"online": 3}, nil))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	sent, retried, _ := hc.Stats()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 1, retried)
}

func TestGiveUp(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	hc := newTestClient(t, 2)
	require.Error(t, hc.GetJSON(context.Background(), ts.URL, nil))

	sent, retried, failed := hc.Stats()
	assert.EqualValues(t, 0, sent)
	assert.EqualValues(t, 2, retried)
	assert.EqualValues(t, 1, failed)
}

func TestWithoutRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	hc := newTestClient(t, 3)
	once := hc.WithoutRetries()
	assert.Error(t, once.GetJSON(context.Background(), ts.URL, nil))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	_, retried, failed := once.Stats()
	assert.Zero(t, retried)
	assert.EqualValues(t, 1, failed)

	assert.Error(t, hc.GetJSON(context.Background(), ts.URL, nil))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
}
