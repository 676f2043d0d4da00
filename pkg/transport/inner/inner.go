// Package inner is a transport which never leaves the process.  Messages sent are queued, and the sender's
// loop hands them to the paired receiver.
package inner

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"

	"github.com/gru-im/spear"
)

// ErrQueueFull is returned by Send when the queue is at capacity.
var ErrQueueFull = errors.New("inner transport queue is full")

// Sender queues messages and drains them into the paired Receiver.
type Sender struct {
	sent    uint64 // atomic
	dropped uint64 // atomic
	started int32  // atomic
	running int32  // atomic

	logger   logrus.FieldLogger
	queue    chan *spear.Message
	receiver *Receiver
	wg       wait.Group
}

// Receiver hands messages to its handler.
type Receiver struct {
	received uint64 // atomic
	started  int32  // atomic

	logger  logrus.FieldLogger
	handler spear.MessageHandler
}

// New returns a matched pair sharing one queue of the given capacity.
func New(logger logrus.FieldLogger, queueSize int) (*Sender, *Receiver) {
	if queueSize <= 0 {
		queueSize = spear.DefaultInnerQueueSize
	}
	logger = logger.WithField("transport", "inner")
	r := &Receiver{
		logger: logger,
	}
	s := &Sender{
		logger:   logger,
		queue:    make(chan *spear.Message, queueSize),
		receiver: r,
	}
	return s, r
}

// Start launches the drain loop, which runs until ctx is done.
func (s *Sender) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	atomic.StoreInt32(&s.running, 1)
	s.wg.StartWithContext(ctx, s.run)
	return nil
}

// Wait blocks until the drain loop has exited.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func (s *Sender) run(ctx context.Context) {
	defer atomic.StoreInt32(&s.running, 0)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.receiver.deliver(ctx, msg)
		}
	}
}

// Send queues msg without blocking.
func (s *Sender) Send(ctx context.Context, msg *spear.Message) error {
	if atomic.LoadInt32(&s.running) == 0 {
		return spear.ErrNotRunning
	}
	select {
	case s.queue <- msg:
		atomic.AddUint64(&s.sent, 1)
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		return ErrQueueFull
	}
}

func (s *Sender) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

// Dropped returns the number of messages rejected because the queue was full.
func (s *Sender) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (r *Receiver) SetHandler(h spear.MessageHandler) {
	r.handler = h
}

// Start marks the receiver started.  Delivery is driven by the sender's loop.
func (r *Receiver) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return spear.ErrAlreadyStarted
	}
	return nil
}

func (r *Receiver) Received() uint64 {
	return atomic.LoadUint64(&r.received)
}

func (r *Receiver) deliver(ctx context.Context, msg *spear.Message) {
	if r.handler == nil {
		r.logger.WithField("id", msg.ID).Warn("No handler, dropping message")
		return
	}
	atomic.AddUint64(&r.received, 1)
	r.handler.HandleMessage(ctx, msg)
}
