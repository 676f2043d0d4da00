package frontend

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ash2k/stager/wait"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/gru-im/spear"
)

const (
	maxFrameSize   = 64 * 1024
	outboxSize     = 64
	writeTimeout   = 5 * time.Second
	frameTypeLogin = "login"
	frameTypeSend  = "send"
	frameTypeGroup = "group"
)

type inFrame struct {
	Type   string   `json:"type"`
	User   string   `json:"user,omitempty"`
	Groups []string `json:"groups,omitempty"`
	To     string   `json:"to,omitempty"`
	Group  string   `json:"group,omitempty"`
	Body   string   `json:"body,omitempty"`
}

type outFrame struct {
	Type  string    `json:"type"`
	Error string    `json:"error,omitempty"`
	ID    string    `json:"id,omitempty"`
	From  string    `json:"from,omitempty"`
	To    string    `json:"to,omitempty"`
	Group string    `json:"group,omitempty"`
	Body  string    `json:"body,omitempty"`
	Time  time.Time `json:"time,omitempty"`
}

func encodeFrame(f *outFrame) ([]byte, error) {
	b, err := jsoniter.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// session is one client connection.  user and groups are guarded by the server's mutex.
type session struct {
	server  *Server
	conn    net.Conn
	limiter *rate.Limiter
	outbox  chan []byte

	user   string
	groups []string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(s *Server, conn net.Conn) *session {
	burst := int(s.rateLimit)
	if burst < 1 {
		burst = 1
	}
	return &session{
		server:  s,
		conn:    conn,
		limiter: rate.NewLimiter(s.rateLimit, burst),
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
	}
}

func (sess *session) run(ctx context.Context) {
	var wg wait.Group
	defer sess.server.remove(sess)
	defer wg.Wait()
	defer sess.close()

	wg.Start(sess.writeLoop)

	logger := sess.server.logger.WithField("remote", sess.conn.RemoteAddr().String())
	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	for scanner.Scan() {
		atomic.AddUint64(&sess.server.framesIn, 1)
		if !sess.limiter.Allow() {
			atomic.AddUint64(&sess.server.framesLimited, 1)
			sess.reply(&outFrame{Type: "error", Error: "rate limited"})
			continue
		}
		var f inFrame
		if err := jsoniter.Unmarshal(scanner.Bytes(), &f); err != nil {
			sess.reply(&outFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		if err := sess.handle(ctx, &f); err != nil {
			sess.reply(&outFrame{Type: "error", Error: err.Error()})
			continue
		}
		sess.reply(&outFrame{Type: "ok"})
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Debug("connection closed")
	}
}

type frameError string

func (e frameError) Error() string { return string(e) }

const (
	errNotLoggedIn  = frameError("not logged in")
	errMissingUser  = frameError("missing user")
	errMissingTo    = frameError("missing recipient")
	errUnknownFrame = frameError("unknown frame type")
)

func (sess *session) handle(ctx context.Context, f *inFrame) error {
	switch f.Type {
	case frameTypeLogin:
		if f.User == "" {
			return errMissingUser
		}
		sess.server.login(sess, f.User, f.Groups)
		return nil
	case frameTypeSend, frameTypeGroup:
		user := sess.currentUser()
		if user == "" {
			return errNotLoggedIn
		}
		msg := &spear.Message{
			From: user,
			Body: f.Body,
			Time: time.Now().UTC(),
		}
		if f.Type == frameTypeSend {
			if f.To == "" {
				return errMissingTo
			}
			msg.To = f.To
		} else {
			if f.Group == "" {
				return errMissingTo
			}
			msg.Group = f.Group
		}
		return sess.server.send(ctx, msg)
	default:
		return errUnknownFrame
	}
}

func (sess *session) currentUser() string {
	sess.server.mu.RLock()
	defer sess.server.mu.RUnlock()
	return sess.user
}

func (sess *session) reply(f *outFrame) {
	b, err := encodeFrame(f)
	if err != nil {
		return
	}
	sess.push(b)
}

// push queues a frame without blocking.  Returns false if the outbox is full or the session is closed.
func (sess *session) push(frame []byte) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.outbox <- frame:
		return true
	default:
		return false
	}
}

func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.outbox:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := sess.conn.Write(frame); err != nil {
				sess.close()
				return
			}
		}
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
	})
}
