package cluster

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
)

// Registration is a live registration entry.
type Registration struct {
	logger   logrus.FieldLogger
	client   RedisClient
	basePath string
	key      string
	ttl      time.Duration
	record   Record
}

// Key returns the key of the entry.
func (reg *Registration) Key() string {
	return reg.key
}

// Record returns the value of the entry.
func (reg *Registration) Record() Record {
	return reg.record
}

func (reg *Registration) create(ctx context.Context) error {
	value, err := marshalRecord(reg.record)
	if err != nil {
		return err
	}
	return reg.client.Set(ctx, reg.key, value, reg.ttl).Err()
}

// Run keeps the session alive until ctx is done, then removes the entry and closes the connection.  An entry
// which expired while the coordination service was unreachable is re-created.
func (reg *Registration) Run(ctx context.Context) {
	clck := clock.FromContext(ctx)

	interval := reg.ttl / 3
	if interval <= 0 {
		interval = reg.ttl
	}
	ticker := clck.NewTicker(interval)
	defer ticker.Stop()

	defer func() {
		// Wall clock, ctx may carry a stopped clock.
		ctxExit, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := reg.client.Del(ctxExit, reg.key).Err(); err != nil {
			reg.logger.WithError(err).Warn("Failed to remove registration")
		}
		reg.client.Publish(ctxExit, reg.basePath, "-"+reg.record.Id)
		_ = reg.client.Close()
		reg.logger.Info("Deregistered node")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.refresh(ctx)
		}
	}
}

func (reg *Registration) refresh(ctx context.Context) {
	ok, err := reg.client.PExpire(ctx, reg.key, reg.ttl).Result()
	if err != nil {
		reg.logger.WithError(err).Warn("Failed to refresh registration")
		return
	}
	if ok {
		return
	}
	reg.logger.Warn("Registration expired, re-creating")
	if err := reg.create(ctx); err != nil {
		reg.logger.WithError(err).Warn("Failed to re-create registration")
	}
}

// Nodes lists every live entry directly under the base path, sorted by id.
func (reg *Registration) Nodes(ctx context.Context) ([]Record, error) {
	prefix := entryKey(reg.basePath, "")
	var records []Record
	var cursor uint64
	for {
		keys, next, err := reg.client.Scan(ctx, cursor, entryKey(reg.basePath, "*"), 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if strings.Contains(strings.TrimPrefix(key, prefix), "/") {
				continue // nested below another entry
			}
			value, err := reg.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, err
			}
			var rec Record
			if err := jsoniter.UnmarshalFromString(value, &rec); err != nil {
				reg.logger.WithError(err).WithField("key", key).Warn("Ignoring malformed registration")
				continue
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Id < records[j].Id
	})
	return records, nil
}
