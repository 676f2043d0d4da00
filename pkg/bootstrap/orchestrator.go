// Package bootstrap brings a node from configuration to serving traffic.
package bootstrap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/auxsvc"
	"github.com/gru-im/spear/pkg/cluster"
	"github.com/gru-im/spear/pkg/frontend"
	"github.com/gru-im/spear/pkg/monitor"
	"github.com/gru-im/spear/pkg/spearctx"
	"github.com/gru-im/spear/pkg/stats"
	"github.com/gru-im/spear/pkg/transport"
)

// Registration is a live entry of this node in the fleet.
type Registration interface {
	Run(ctx context.Context)
	Nodes(ctx context.Context) ([]cluster.Record, error)
}

// Frontend is the client facing server.  It receives everything the transport delivers.
type Frontend interface {
	spear.Starter
	spear.MessageHandler
	Online() int
	Counters() frontend.Counters
}

// Stage is one step of startup.  A failing Fatal stage aborts startup, any
// other failing stage is logged and skipped.
type Stage struct {
	Name    string
	State   State
	Kind    spear.ErrorKind // of the error a panic in Run is reported as
	Fatal   bool
	Enabled func() bool // nil means always
	Run     func(ctx context.Context) error
}

// Orchestrator runs the startup stages of a node in order, then keeps the
// node alive until its context is done.
type Orchestrator struct {
	started int32 // atomic
	state   int32 // atomic

	logger       logrus.FieldLogger
	sc           *spearctx.Context
	onTransition func(from, to State)

	resolve     func(ctx context.Context) (spear.IdService, spear.StatService, error)
	register    func(ctx context.Context) (Registration, error)
	transport   func() (transport.Mode, spear.Sender, spear.Receiver, error)
	newFrontend func() Frontend
	newMonitor  func(mode string, fleet monitor.Fleet, sessions monitor.Sessions) (spear.Starter, error)
	newReporter func(sessions stats.Sessions) spear.Starter

	wg           wait.Group
	registration Registration
	mode         transport.Mode
	frontend     Frontend
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTransitionHook calls fn every time the Orchestrator reaches a new state.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(o *Orchestrator) {
		o.onTransition = fn
	}
}

// New creates an Orchestrator wired to the real subsystems.
func New(sc *spearctx.Context, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: sc.Logger().WithField("component", "bootstrap"),
		sc:     sc,
	}
	o.resolve = auxsvc.NewResolver(sc.Logger(), sc.Config()).Resolve
	o.register = o.registerNode
	o.transport = func() (transport.Mode, spear.Sender, spear.Receiver, error) {
		return transport.FromContext(sc)
	}
	o.newFrontend = func() Frontend {
		return frontend.NewServer(sc)
	}
	o.newMonitor = func(mode string, fleet monitor.Fleet, sessions monitor.Sessions) (spear.Starter, error) {
		return monitor.NewServer(sc, mode, fleet, sessions)
	}
	o.newReporter = func(sessions stats.Sessions) spear.Starter {
		return stats.NewReporter(sc, sessions)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the last state reached.
func (o *Orchestrator) State() State {
	return State(atomic.LoadInt32(&o.state))
}

func (o *Orchestrator) setState(to State) {
	from := State(atomic.SwapInt32(&o.state, int32(to)))
	o.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
	if o.onTransition != nil {
		o.onTransition(from, to)
	}
}

// Stages returns the startup sequence in execution order.
func (o *Orchestrator) Stages() []Stage {
	return []Stage{
		{Name: "resolve-aux", State: StateAuxResolved, Kind: spear.KindResolution, Run: o.resolveAux},
		{Name: "register", State: StateRegistered, Kind: spear.KindRegistration, Fatal: true, Run: o.registerStage},
		{Name: "transport", State: StateTransportReady, Kind: spear.KindTransport, Fatal: true, Run: o.startTransport},
		{Name: "frontend", State: StateFrontendStarted, Kind: spear.KindFrontendStart, Fatal: true, Run: o.startFrontend},
		{
			Name:    "monitor",
			State:   StateMonitorStarted,
			Kind:    spear.KindMonitorStart,
			Fatal:   true,
			Enabled: func() bool { return o.sc.GetBool(spear.ParamMonitorStart) },
			Run:     o.startMonitor,
		},
		{Name: "stat", State: StateStatStarted, Kind: spear.KindStatReport, Run: o.startStat},
	}
}

// Run starts the node and blocks until ctx is done.  Subsystem goroutines are
// stopped before Run returns.  A failing fatal stage makes Run return a
// *FatalError without starting any later stage.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}

	defer o.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, stage := range o.Stages() {
		log := o.logger.WithField("stage", stage.Name)
		if stage.Enabled != nil && !stage.Enabled() {
			log.Info("stage disabled")
			continue
		}
		if err := runStage(ctx, stage); err != nil {
			if stage.Fatal {
				log.WithError(err).Error("startup failed")
				return &FatalError{Stage: stage.Name, Err: err}
			}
			log.WithError(err).Warn("stage failed, continuing degraded")
		}
		o.setState(stage.State)
	}
	o.setState(StateRunning)
	o.logger.WithFields(logrus.Fields{
		"node":     o.sc.Get(spear.ParamSpearId),
		"mode":     o.mode,
		"degraded": o.sc.Degraded(),
	}).Info("node running")

	<-ctx.Done()
	o.logger.Info("shutting down")
	return nil
}

func runStage(ctx context.Context, stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = spear.NewError(stage.Kind, "stage "+stage.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	return stage.Run(ctx)
}

func (o *Orchestrator) resolveAux(ctx context.Context) error {
	ids, stat, err := o.resolve(ctx)
	if err != nil {
		return err
	}
	o.sc.SetIdService(ids)
	o.sc.SetStatService(stat)
	return nil
}

func (o *Orchestrator) registerNode(ctx context.Context) (Registration, error) {
	reg, err := cluster.NewRegistrar(o.sc.Logger()).RegisterNode(
		ctx,
		o.sc.Get(spear.ParamZkAddr),
		o.sc.Get(spear.ParamZkCluster),
		o.sc.Get(spear.ParamOutAddr),
		o.sc.Get(spear.ParamSpearId),
		o.sc.GetInt(spear.ParamZkSessionTimeout, spear.DefaultZkSessionTimeout),
		o.sc.GetInt(spear.ParamZkRetryTimes, spear.DefaultZkRetryTimes),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (o *Orchestrator) registerStage(ctx context.Context) error {
	reg, err := o.register(ctx)
	if err != nil {
		return err
	}
	o.registration = reg
	o.wg.StartWithContext(ctx, reg.Run)
	return nil
}

// startTransport wires the receiver to the frontend before either side of the
// transport is started, so no message is delivered to a missing handler.
func (o *Orchestrator) startTransport(ctx context.Context) error {
	mode, sender, receiver, err := o.transport()
	if err != nil {
		return err
	}
	fe := o.newFrontend()
	receiver.SetHandler(fe)
	err = receiver.Start(ctx)
	o.join(receiver)
	if err != nil {
		return spear.NewError(spear.KindTransport, "start "+mode.String()+" receiver", err)
	}
	err = sender.Start(ctx)
	o.join(sender)
	if err != nil {
		return spear.NewError(spear.KindTransport, "start "+mode.String()+" sender", err)
	}
	o.mode = mode
	o.frontend = fe
	return nil
}

func (o *Orchestrator) startFrontend(ctx context.Context) error {
	defer o.join(o.frontend)
	return o.frontend.Start(ctx)
}

func (o *Orchestrator) startMonitor(ctx context.Context) error {
	m, err := o.newMonitor(o.mode.String(), o.registration, o.frontend)
	if err != nil {
		return spear.NewError(spear.KindMonitorStart, "create monitor", err)
	}
	defer o.join(m)
	return m.Start(ctx)
}

func (o *Orchestrator) startStat(ctx context.Context) error {
	r := o.newReporter(o.frontend)
	defer o.join(r)
	return r.Start(ctx)
}

// join makes Run wait for the goroutines of a started subsystem.
func (o *Orchestrator) join(s interface{}) {
	if w, ok := s.(spear.Waiter); ok {
		o.wg.Start(w.Wait)
	}
}
