// Package monitor serves the operational status of a node over HTTP.
package monitor

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/cluster"
	"github.com/gru-im/spear/pkg/frontend"
	"github.com/gru-im/spear/pkg/spearctx"
)

// Fleet lists the registered nodes.
type Fleet interface {
	Nodes(ctx context.Context) ([]cluster.Record, error)
}

// Sessions reports on client connections.
type Sessions interface {
	Online() int
	Counters() frontend.Counters
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

// Server is the monitor HTTP server.
type Server struct {
	started int32 // atomic

	logger   logrus.FieldLogger
	address  string
	sc       *spearctx.Context
	mode     string
	fleet    Fleet
	sessions Sessions
	bootTime time.Time
	Router   *mux.Router
	addr     atomic.Value // net.Addr
	wg       wait.Group
}

// NewServer creates the monitor for a node.  fleet and sessions may be nil.
func NewServer(sc *spearctx.Context, mode string, fleet Fleet, sessions Sessions) (*Server, error) {
	address := sc.Get(spear.ParamMonitorAddr)
	if address == "" {
		address = spear.DefaultMonitorAddr
	}
	s := &Server{
		logger:   sc.Logger().WithField("component", "monitor"),
		address:  address,
		sc:       sc,
		mode:     mode,
		fleet:    fleet,
		sessions: sessions,
		bootTime: time.Now(),
	}

	routes := []route{
		{path: "/healthcheck", handler: checksHandler(check{"transport", s.transportReady}), method: "GET", name: "healthcheck_get"},
		{path: "/deepcheck", handler: checksHandler(
			check{"idgen", s.idServiceReady},
			check{"stat", s.statServiceReady},
		), method: "GET", name: "deepcheck_get"},
		{path: "/status", handler: s.status, method: "GET", name: "status_get"},
		{path: "/cluster", handler: s.fleetNodes, method: "GET", name: "cluster_get"},
		{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = s.logRequest(http.HandlerFunc(s.notFound))
	router.Use(s.logRequest)
	s.Router = router

	return s, nil
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (s *Server) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("not found"))
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logFields := logrus.Fields{
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route != nil {
			logFields["route"] = route.GetName()
		} else {
			logFields["method"] = req.Method
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		logFields["duration"] = float64(time.Since(start)) / float64(time.Millisecond)
		s.logger.WithFields(logFields).Debug("request")
	})
}

// Start binds the listener and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return spear.NewError(spear.KindMonitorStart, "listen on "+s.address, err)
	}
	s.addr.Store(l.Addr())

	server := &http.Server{
		Handler: s.Router,
	}

	s.wg.StartWithContext(ctx, func(ctx context.Context) {
		s.waitAndStop(ctx, server)
	})

	s.logger.WithField("address", l.Addr().String()).Info("listening")

	s.wg.Start(func() {
		if err := server.Serve(l); err != http.ErrServerClosed {
			s.logger.WithError(err).Error("monitor server failed")
		}
	})
	return nil
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.
func (s *Server) waitAndStop(ctx context.Context, server *http.Server) {
	<-ctx.Done()

	s.logger.Info("shutting down monitor server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		s.logger.WithError(err).Warn("failed to stop monitor server")
	}
}
