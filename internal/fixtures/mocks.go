package fixtures

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gru-im/spear"
)

// MockIdService implements spear.IdService
type MockIdService struct {
	TB testing.TB

	FnServiceVersion func(ctx context.Context) (string, error)
	FnMsgId          func(ctx context.Context) (int64, error)
}

func (m *MockIdService) ServiceVersion(ctx context.Context) (p0 string, p1 error) {
	if m.FnServiceVersion != nil {
		return m.FnServiceVersion(ctx)
	}
	assert.Fail(m.TB, "IdService.ServiceVersion must not be called")
	return
}

func (m *MockIdService) MsgId(ctx context.Context) (p0 int64, p1 error) {
	if m.FnMsgId != nil {
		return m.FnMsgId(ctx)
	}
	assert.Fail(m.TB, "IdService.MsgId must not be called")
	return
}

// MockStatService implements spear.StatService
type MockStatService struct {
	TB testing.TB

	FnServiceVersion func(ctx context.Context) (string, error)
	FnReport         func(ctx context.Context, stat *spear.NodeStat) error
}

func (m *MockStatService) ServiceVersion(ctx context.Context) (p0 string, p1 error) {
	if m.FnServiceVersion != nil {
		return m.FnServiceVersion(ctx)
	}
	assert.Fail(m.TB, "StatService.ServiceVersion must not be called")
	return
}

func (m *MockStatService) Report(ctx context.Context, stat *spear.NodeStat) (p0 error) {
	if m.FnReport != nil {
		return m.FnReport(ctx, stat)
	}
	assert.Fail(m.TB, "StatService.Report must not be called")
	return
}

// CapturingSender is a spear.Sender which records everything sent to it.
type CapturingSender struct {
	mu       sync.Mutex
	messages []*spear.Message
	starts   int32
	StartErr error
}

func (cs *CapturingSender) Start(ctx context.Context) error {
	atomic.AddInt32(&cs.starts, 1)
	return cs.StartErr
}

func (cs *CapturingSender) Send(ctx context.Context, msg *spear.Message) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.messages = append(cs.messages, msg)
	return nil
}

func (cs *CapturingSender) Sent() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return uint64(len(cs.messages))
}

// Starts returns the number of times Start was called.
func (cs *CapturingSender) Starts() int {
	return int(atomic.LoadInt32(&cs.starts))
}

func (cs *CapturingSender) Messages() []*spear.Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*spear.Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// CapturingHandler is a spear.MessageHandler which records every message.
type CapturingHandler struct {
	mu       sync.Mutex
	messages []*spear.Message
	C        chan *spear.Message // optional, receives every message if set
}

func (ch *CapturingHandler) HandleMessage(ctx context.Context, msg *spear.Message) {
	ch.mu.Lock()
	ch.messages = append(ch.messages, msg)
	ch.mu.Unlock()
	if ch.C != nil {
		select {
		case ch.C <- msg:
		case <-ctx.Done():
		}
	}
}

func (ch *CapturingHandler) Messages() []*spear.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*spear.Message, len(ch.messages))
	copy(out, ch.messages)
	return out
}
