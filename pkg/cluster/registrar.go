package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/util"
)

// DefaultRetryInterval is the first pause between connection attempts.  Later pauses grow exponentially.
const DefaultRetryInterval = 1 * time.Second

// RedisClient is the subset of *redis.Client used by the registrar.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Record is the value of a registration entry.
type Record struct {
	Id               string    `json:"id"`
	Addr             string    `json:"addr"`
	SessionTimeoutMs int       `json:"session_timeout_ms"`
	RetryTimes       int       `json:"retry_times"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// Registrar creates registration entries.
type Registrar struct {
	logger        logrus.FieldLogger
	retryInterval time.Duration
	dial          func(addr string, timeout time.Duration) RedisClient
}

// NewRegistrar returns a Registrar which connects to Redis.
func NewRegistrar(logger logrus.FieldLogger) *Registrar {
	return &Registrar{
		logger:        logger,
		retryInterval: DefaultRetryInterval,
		dial:          dialRedis,
	}
}

// WithRetryInterval sets the first pause between connection attempts.
func (r *Registrar) WithRetryInterval(d time.Duration) *Registrar {
	r.retryInterval = d
	return r
}

func dialRedis(addr string, timeout time.Duration) RedisClient {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          0,
		DialTimeout: timeout,
		ReadTimeout: timeout,
		MaxRetries:  -1, // retries are done by the registrar
	})
}

// RegisterNode connects to the coordination service at coordinatorAddress, retrying up to retryTimes times, and
// creates (or re-creates) the ephemeral entry basePath/nodeId with nodeAddress in its value.  The returned
// Registration must be Run to keep the entry alive.
//
// All failures are spear.ErrRegistration kind errors.
func (r *Registrar) RegisterNode(
	ctx context.Context,
	coordinatorAddress, basePath, nodeAddress, nodeId string,
	sessionTimeoutMs, retryTimes int,
) (*Registration, error) {
	if err := validate(coordinatorAddress, basePath, nodeId, sessionTimeoutMs, retryTimes); err != nil {
		return nil, spear.NewError(spear.KindRegistration, "validate", err)
	}

	logger := r.logger.WithFields(logrus.Fields{
		"coordinator": coordinatorAddress,
		"node":        nodeId,
	})
	sessionTimeout := time.Duration(sessionTimeoutMs) * time.Millisecond
	client := r.dial(coordinatorAddress, sessionTimeout)

	bo := backoff.WithContext(util.NewRetryTimesFactory(r.retryInterval, retryTimes)(), ctx)
	err := backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, bo, func(err error, next time.Duration) {
		logger.WithError(err).WithField("next", next).Warn("Coordination service unreachable, retrying")
	})
	if err != nil {
		_ = client.Close()
		return nil, spear.NewError(spear.KindRegistration, "connect to "+coordinatorAddress, err)
	}

	reg := &Registration{
		logger:   logger,
		client:   client,
		basePath: basePath,
		key:      entryKey(basePath, nodeId),
		ttl:      sessionTimeout,
		record: Record{
			Id:               nodeId,
			Addr:             nodeAddress,
			SessionTimeoutMs: sessionTimeoutMs,
			RetryTimes:       retryTimes,
			RegisteredAt:     clock.Now(ctx).UTC(),
		},
	}
	if err := reg.create(ctx); err != nil {
		_ = client.Close()
		return nil, spear.NewError(spear.KindRegistration, "create "+reg.key, err)
	}
	if err := client.Publish(ctx, basePath, "+"+nodeId).Err(); err != nil {
		logger.WithError(err).Warn("Failed to announce node")
	}

	logger.WithFields(logrus.Fields{
		"key":  reg.key,
		"addr": nodeAddress,
	}).Info("Registered node")
	return reg, nil
}

func validate(coordinatorAddress, basePath, nodeId string, sessionTimeoutMs, retryTimes int) error {
	if strings.TrimSpace(coordinatorAddress) == "" {
		return fmt.Errorf("coordinator address is empty")
	}
	if err := validatePath(basePath); err != nil {
		return err
	}
	if nodeId == "" {
		return fmt.Errorf("node id is empty")
	}
	if strings.ContainsAny(nodeId, "/*?[] \t\n") {
		return fmt.Errorf("node id %q contains a reserved character", nodeId)
	}
	if sessionTimeoutMs <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if retryTimes < 0 {
		return fmt.Errorf("retry times must be zero or positive")
	}
	return nil
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("base path is empty")
	}
	if p[0] != '/' {
		return fmt.Errorf("base path %q must start with /", p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("base path %q must not end with /", p)
	}
	for _, segment := range strings.Split(p[1:], "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("base path %q has an invalid segment", p)
		}
		if strings.ContainsAny(segment, "*?[] \t\n") {
			return fmt.Errorf("base path %q contains a reserved character", p)
		}
	}
	return nil
}

func entryKey(basePath, nodeId string) string {
	if basePath == "/" {
		return "/" + nodeId
	}
	return basePath + "/" + nodeId
}

func marshalRecord(rec Record) (string, error) {
	b, err := jsoniter.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
