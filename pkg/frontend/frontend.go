// Package frontend accepts client connections and bridges them to the node's transport.
//
// The wire format is newline delimited JSON.  Clients send frames:
//
//	{"type":"login","user":"u1","groups":["g1"]}
//	{"type":"send","to":"u2","body":"hi"}
//	{"type":"group","group":"g1","body":"hi all"}
//
// and receive {"type":"ok"}, {"type":"error","error":"..."} and {"type":"msg",...} frames.
package frontend

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ash2k/stager/wait"
	"github.com/google/uuid"
	reuseport "github.com/libp2p/go-reuseport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/spearctx"
)

// Server is the client facing listener of a node.
type Server struct {
	accepted      uint64 // atomic
	framesIn      uint64 // atomic
	framesLimited uint64 // atomic
	delivered     uint64 // atomic
	started       int32  // atomic

	logger    logrus.FieldLogger
	sc        *spearctx.Context
	address   string
	rateLimit rate.Limit

	wg wait.Group

	mu       sync.RWMutex
	listener net.Listener
	users    map[string]map[*session]struct{}
	groups   map[string]map[*session]struct{}
	sessions map[*session]struct{}
}

var _ spear.MessageHandler = (*Server)(nil)

// NewServer creates a Server configured from sc.
func NewServer(sc *spearctx.Context) *Server {
	return &Server{
		logger:    sc.Logger().WithField("component", "frontend"),
		sc:        sc,
		address:   sc.Get(spear.ParamFrontendAddr),
		rateLimit: rate.Limit(sc.GetInt(spear.ParamFrontendRateLimit, spear.DefaultFrontendRateLimit)),
		users:     map[string]map[*session]struct{}{},
		groups:    map[string]map[*session]struct{}{},
		sessions:  map[*session]struct{}{},
	}
}

// Start binds the listener and starts accepting connections in the background.  The listener and every
// connection are closed when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	address := s.address
	if address == "" {
		address = spear.DefaultFrontendAddr
	}
	l, err := reuseport.Listen("tcp", address)
	if err != nil {
		return spear.NewError(spear.KindFrontendStart, "listen on "+address, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.WithField("address", l.Addr().String()).Info("listening")

	s.wg.StartWithContext(ctx, func(ctx context.Context) {
		s.acceptLoop(ctx, l)
	})
	s.wg.Start(func() {
		<-ctx.Done()
		s.logger.Info("shutting down frontend")
		_ = l.Close()
		s.closeAll()
	})
	return nil
}

// Wait blocks until the accept loop and every connection have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the bound address, or nil if the server has not been started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.WithError(err).Warn("temporary accept error")
				continue
			}
			s.logger.WithError(err).Error("accept failed")
			return
		}
		atomic.AddUint64(&s.accepted, 1)
		sess := newSession(s, conn)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.wg.StartWithContext(ctx, sess.run)
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) login(sess *session, user string, groups []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(sess)
	sess.user = user
	sess.groups = groups
	addMember(s.users, user, sess)
	for _, g := range groups {
		addMember(s.groups, g, sess)
	}
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(sess)
	delete(s.sessions, sess)
}

func (s *Server) unregisterLocked(sess *session) {
	if sess.user == "" {
		return
	}
	removeMember(s.users, sess.user, sess)
	for _, g := range sess.groups {
		removeMember(s.groups, g, sess)
	}
	sess.user = ""
	sess.groups = nil
}

func addMember(m map[string]map[*session]struct{}, key string, sess *session) {
	members, ok := m[key]
	if !ok {
		members = map[*session]struct{}{}
		m[key] = members
	}
	members[sess] = struct{}{}
}

func removeMember(m map[string]map[*session]struct{}, key string, sess *session) {
	members := m[key]
	delete(members, sess)
	if len(members) == 0 {
		delete(m, key)
	}
}

// send hands a client message to the transport.
func (s *Server) send(ctx context.Context, msg *spear.Message) error {
	sender := s.sc.Sender()
	if sender == nil {
		return spear.ErrNotRunning
	}
	msg.ID = s.nextId(ctx)
	return sender.Send(ctx, msg)
}

// nextId uses the id service when it is available, and a random uuid when the node runs degraded.
func (s *Server) nextId(ctx context.Context) string {
	if ids := s.sc.IdService(); ids != nil {
		id, err := ids.MsgId(ctx)
		if err == nil {
			return strconv.FormatInt(id, 10)
		}
		s.logger.WithError(err).Debug("id service failed, using uuid")
	}
	return uuid.New().String()
}

// HandleMessage delivers a message from the transport to the locally connected recipients.
func (s *Server) HandleMessage(ctx context.Context, msg *spear.Message) {
	frame, err := encodeFrame(&outFrame{
		Type:  "msg",
		ID:    msg.ID,
		From:  msg.From,
		To:    msg.To,
		Group: msg.Group,
		Body:  msg.Body,
		Time:  msg.Time,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode message")
		return
	}

	s.mu.RLock()
	var recipients map[*session]struct{}
	if msg.Group != "" {
		recipients = s.groups[msg.Group]
	} else {
		recipients = s.users[msg.To]
	}
	targets := make([]*session, 0, len(recipients))
	for sess := range recipients {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if sess.push(frame) {
			atomic.AddUint64(&s.delivered, 1)
		} else {
			s.logger.WithFields(logrus.Fields{
				"user": msg.To,
				"id":   msg.ID,
			}).Warn("client too slow, dropping message")
		}
	}
}

// Online returns the number of logged in connections.
func (s *Server) Online() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, members := range s.users {
		n += len(members)
	}
	return n
}

// Counters reports the frontend's counters.
type Counters struct {
	Accepted      uint64 `json:"accepted"`
	FramesIn      uint64 `json:"frames_in"`
	FramesLimited uint64 `json:"frames_limited"`
	Delivered     uint64 `json:"delivered"`
}

func (s *Server) Counters() Counters {
	return Counters{
		Accepted:      atomic.LoadUint64(&s.accepted),
		FramesIn:      atomic.LoadUint64(&s.framesIn),
		FramesLimited: atomic.LoadUint64(&s.framesLimited),
		Delivered:     atomic.LoadUint64(&s.delivered),
	}
}
