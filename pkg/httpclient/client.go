// Package httpclient is a small JSON over HTTP client with bounded concurrency and retries, used to talk to
// the auxiliary services of the fleet.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gru-im/spear/pkg/util"
)

const (
	defaultClientTimeout = 3 * time.Second
	defaultMaxRequests   = 100
	defaultNetwork       = "tcp"
)

// ErrTooManyRequests is returned when no request slot became free before the context was done.
var ErrTooManyRequests = errors.New("too many concurrent requests")

type HttpClient struct {
	requestsSent    uint64 // atomic - requests which got a 2xx response
	requestsRetried uint64 // atomic - retries (first send is not a retry, final failure is not a retry)
	requestsFailed  uint64 // atomic - final failure

	logger     logrus.FieldLogger
	client     http.Client
	backoff    util.BackoffFactory
	requestSem chan struct{}
}

// NewHttpClientFromViper reads client-timeout, max-requests, network and the retry-* settings from v.
func NewHttpClientFromViper(logger logrus.FieldLogger, v *viper.Viper) (*HttpClient, error) {
	v.SetDefault("client-timeout", defaultClientTimeout)
	v.SetDefault("max-requests", defaultMaxRequests)
	v.SetDefault("network", defaultNetwork)

	bo, err := util.GetRetryFromViper(v)
	if err != nil {
		return nil, err
	}

	return NewHttpClient(
		logger,
		v.GetString("network"),
		v.GetInt("max-requests"),
		v.GetDuration("client-timeout"),
		bo,
	)
}

func NewHttpClient(logger logrus.FieldLogger, network string, maxRequests int, clientTimeout time.Duration, bo util.BackoffFactory) (*HttpClient, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("max-requests must be positive")
	}
	if clientTimeout <= 0 {
		return nil, fmt.Errorf("client-timeout must be positive")
	}

	dialer := &net.Dialer{
		Timeout:   clientTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			// replace the network with our own
			return dialer.DialContext(ctx, network, address)
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 1 * time.Minute,
	}

	requestSem := make(chan struct{}, maxRequests)
	for i := 0; i < maxRequests; i++ {
		requestSem <- struct{}{}
	}

	return &HttpClient{
		logger: logger,
		client: http.Client{
			Transport: transport,
			Timeout:   clientTimeout,
		},
		backoff:    bo,
		requestSem: requestSem,
	}, nil
}

// WithoutRetries returns a client sharing the connections and request slots of hc, which gives up after the
// first failure.  Its counters start at zero.
func (hc *HttpClient) WithoutRetries() *HttpClient {
	return &HttpClient{
		logger:     hc.logger,
		client:     hc.client,
		backoff:    func() backoff.BackOff { return &backoff.StopBackOff{} },
		requestSem: hc.requestSem,
	}
}

// GetJSON GETs url and decodes the JSON response into out.
func (hc *HttpClient) GetJSON(ctx context.Context, url string, out interface{}) error {
	return hc.do(ctx, http.MethodGet, url, nil, out)
}

// PostJSON POSTs in encoded as JSON to url.  If out is not nil, the response is decoded into it.
func (hc *HttpClient) PostJSON(ctx context.Context, url string, in, out interface{}) error {
	body, err := jsoniter.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return hc.do(ctx, http.MethodPost, url, body, out)
}

// Stats returns the number of successful, retried and failed requests.
func (hc *HttpClient) Stats() (sent, retried, failed uint64) {
	return atomic.LoadUint64(&hc.requestsSent), atomic.LoadUint64(&hc.requestsRetried), atomic.LoadUint64(&hc.requestsFailed)
}

func (hc *HttpClient) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	if !hc.acquireSem(ctx) {
		return ErrTooManyRequests
	}
	defer hc.releaseSem()

	b := hc.backoff()
	for {
		err := hc.roundTrip(ctx, method, url, body, out)
		if err == nil {
			atomic.AddUint64(&hc.requestsSent, 1)
			return nil
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			atomic.AddUint64(&hc.requestsFailed, 1)
			return err
		}

		atomic.AddUint64(&hc.requestsRetried, 1)
		hc.logger.WithError(err).WithField("url", url).Debug("request failed, retrying")

		if interruptableSleep(ctx, next) {
			return ctx.Err()
		}
	}
}

func (hc *HttpClient) roundTrip(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("unable to create http.Request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", "spear")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %s: %w", method, err)
	}
	defer consumeAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStart, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		hc.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(bodyStart),
		}).Info("failed request")
		return fmt.Errorf("received bad status code %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (hc *HttpClient) acquireSem(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-hc.requestSem:
		return true
	}
}

func (hc *HttpClient) releaseSem() {
	hc.requestSem <- struct{}{} // will never block
}
