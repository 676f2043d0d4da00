package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/cluster"
	"github.com/gru-im/spear/pkg/frontend"
)

type statusResponse struct {
	Node        string             `json:"node"`
	Addr        string             `json:"addr"`
	Mode        string             `json:"mode"`
	Uptime      string             `json:"uptime"`
	Degraded    bool               `json:"degraded"`
	IdService   bool               `json:"id_service"`
	StatService bool               `json:"stat_service"`
	Online      int                `json:"online"`
	Sent        uint64             `json:"sent"`
	Received    uint64             `json:"received"`
	Frontend    *frontend.Counters `json:"frontend,omitempty"`
}

func (s *Server) status(resp http.ResponseWriter, req *http.Request) {
	st := statusResponse{
		Node:        s.sc.Get(spear.ParamSpearId),
		Addr:        s.sc.Get(spear.ParamOutAddr),
		Mode:        s.mode,
		Uptime:      time.Since(s.bootTime).Round(time.Second).String(),
		Degraded:    s.sc.Degraded(),
		IdService:   s.sc.IdService() != nil,
		StatService: s.sc.StatService() != nil,
	}
	if sender := s.sc.Sender(); sender != nil {
		st.Sent = sender.Sent()
	}
	if receiver := s.sc.Receiver(); receiver != nil {
		st.Received = receiver.Received()
	}
	if s.sessions != nil {
		st.Online = s.sessions.Online()
		c := s.sessions.Counters()
		st.Frontend = &c
	}
	writeJSON(resp, http.StatusOK, st)
}

func (s *Server) fleetNodes(resp http.ResponseWriter, req *http.Request) {
	if s.fleet == nil {
		writeJSON(resp, http.StatusServiceUnavailable, map[string]string{"error": "fleet listing unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()
	nodes, err := s.fleet.Nodes(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list fleet")
		writeJSON(resp, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if nodes == nil {
		nodes = []cluster.Record{}
	}
	writeJSON(resp, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// check is one named condition reported by /healthcheck or /deepcheck.  fn must not block.
type check struct {
	name string
	fn   func() error
}

type checkReport struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// checksHandler answers 200 when every check passes and 503 otherwise, naming the reason for each failure.
func checksHandler(checks ...check) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		rep := checkReport{Healthy: true, Checks: make(map[string]string, len(checks))}
		for _, c := range checks {
			if err := c.fn(); err != nil {
				rep.Healthy = false
				rep.Checks[c.name] = err.Error()
				continue
			}
			rep.Checks[c.name] = "ok"
		}
		code := http.StatusOK
		if !rep.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(resp, code, rep)
	}
}

func (s *Server) transportReady() error {
	if s.sc.Sender() == nil || s.sc.Receiver() == nil {
		return errors.New("not ready")
	}
	return nil
}

func (s *Server) idServiceReady() error {
	if s.sc.IdService() == nil {
		return errors.New("unavailable")
	}
	return nil
}

func (s *Server) statServiceReady() error {
	if s.sc.StatService() == nil {
		return errors.New("unavailable")
	}
	return nil
}

func writeJSON(resp http.ResponseWriter, code int, v interface{}) {
	resp.Header().Set("content-type", "application/json")
	resp.WriteHeader(code)
	_ = jsoniter.NewEncoder(resp).Encode(v)
}
