// Package stats periodically reports the load of a node to the fleet.
package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"gopkg.in/alexcesaro/statsd.v2"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/spearctx"
)

// reportTimeout bounds a single call to the stat service.
const reportTimeout = 5 * time.Second

// Sessions reports the number of users logged in to the node.
type Sessions interface {
	Online() int
}

// Reporter sends a spear.NodeStat to the stat service at every multiple of
// interval, and optionally mirrors it as statsd gauges.
type Reporter struct {
	started  int32  // atomic
	reports  uint64 // atomic
	failures uint64 // atomic

	logger   logrus.FieldLogger
	sc       *spearctx.Context
	sessions Sessions
	interval time.Duration
	gauges   *statsd.Client
	wg       wait.Group
}

// NewReporter creates a Reporter.  sessions may be nil.
func NewReporter(sc *spearctx.Context, sessions Sessions) *Reporter {
	return &Reporter{
		logger:   sc.Logger().WithField("component", "stat-reporter"),
		sc:       sc,
		sessions: sessions,
	}
}

// Start validates the configuration and begins reporting in the background
// until ctx is done.  An unreachable statsd only disables the gauges.
func (r *Reporter) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}

	r.interval = r.sc.GetDuration(spear.ParamStatInterval, spear.DefaultStatInterval)
	if r.interval <= 0 {
		return spear.NewError(spear.KindStatReport, "configure", fmt.Errorf("%s must be positive, got %v", spear.ParamStatInterval, r.interval))
	}

	if addr := r.sc.Get(spear.ParamStatsdAddr); addr != "" {
		client, err := statsd.New(
			statsd.Address(addr),
			statsd.Prefix("spear"),
			statsd.Tags("node", r.sc.Get(spear.ParamSpearId)),
			statsd.TagsFormat(statsd.Datadog),
			statsd.ErrorHandler(func(err error) {
				r.logger.WithError(err).WithField("statsd", addr).Warn("failed to send metrics")
			}),
		)
		if err != nil {
			r.logger.WithError(err).WithField("statsd", addr).Warn("statsd unavailable, reporting without gauges")
		} else {
			r.gauges = client
		}
	}

	r.wg.StartWithContext(ctx, r.run)
	return nil
}

// Wait blocks until the report loop has exited.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Reports returns the number of completed report rounds, and how many of them failed.
func (r *Reporter) Reports() (total, failed uint64) {
	return atomic.LoadUint64(&r.reports), atomic.LoadUint64(&r.failures)
}

func (r *Reporter) run(ctx context.Context) {
	ticks := alignedTicks(ctx, &r.wg, r.interval)
	if r.gauges != nil {
		defer r.gauges.Close()
	}

	r.logger.WithField("interval", r.interval).Info("reporting node statistics")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticks:
			if err := r.report(ctx, now); err != nil {
				atomic.AddUint64(&r.failures, 1)
				r.logger.WithError(err).Warn("failed to report node statistics")
			}
			atomic.AddUint64(&r.reports, 1)
		}
	}
}

func (r *Reporter) report(ctx context.Context, now time.Time) error {
	stat := r.snapshot(now)

	if r.gauges != nil {
		r.gauges.Gauge("online", stat.Online)
		r.gauges.Gauge("sent", stat.Sent)
		r.gauges.Gauge("received", stat.Received)
	}

	svc := r.sc.StatService()
	if svc == nil {
		r.logger.WithFields(logrus.Fields{
			"online":   stat.Online,
			"sent":     stat.Sent,
			"received": stat.Received,
		}).Debug("stat service unavailable, skipping report")
		return nil
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := svc.Report(ctxTimeout, stat); err != nil {
		return spear.NewError(spear.KindStatReport, "report", err)
	}
	r.logger.WithField("online", stat.Online).Debug("reported node statistics")
	return nil
}

func (r *Reporter) snapshot(now time.Time) *spear.NodeStat {
	stat := &spear.NodeStat{
		Node: r.sc.Get(spear.ParamSpearId),
		Addr: r.sc.Get(spear.ParamOutAddr),
		Time: now.UTC(),
	}
	if r.sessions != nil {
		stat.Online = r.sessions.Online()
	}
	if sender := r.sc.Sender(); sender != nil {
		stat.Sent = sender.Sent()
	}
	if receiver := r.sc.Receiver(); receiver != nil {
		stat.Received = receiver.Received()
	}
	return stat
}
