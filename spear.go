package spear

import (
	"context"
	"time"
)

// Message is a single chat message routed between nodes of the fleet.
type Message struct {
	ID    string    `json:"id"`
	From  string    `json:"from"`
	To    string    `json:"to,omitempty"`    // target user, empty for group messages
	Group string    `json:"group,omitempty"` // target group, empty for direct messages
	Body  string    `json:"body"`
	Time  time.Time `json:"time"`
}

// Starter is a subsystem that is started exactly once.  Start performs any
// fallible setup synchronously, schedules the subsystem's own goroutines and
// returns.  The goroutines run until ctx is done.
type Starter interface {
	Start(ctx context.Context) error
}

// Waiter is a Starter whose goroutines can be joined.  Wait returns once
// every goroutine scheduled by Start has exited.
type Waiter interface {
	Wait()
}

// MessageHandler accepts messages coming off a Receiver.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *Message)
}

// MessageHandlerFunc adapts a function to a MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *Message)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// Sender is the outbound half of a transport pair.
type Sender interface {
	Starter
	// Send queues msg for delivery to the fleet.  Thread safe.
	Send(ctx context.Context, msg *Message) error
	// Sent returns the number of messages handed to the transport.
	Sent() uint64
}

// Receiver is the inbound half of a transport pair.  Messages are passed to
// the handler registered with SetHandler.
type Receiver interface {
	Starter
	// SetHandler must be called before Start.
	SetHandler(h MessageHandler)
	// Received returns the number of messages delivered to the handler.
	Received() uint64
}

// IdService generates fleet-wide unique message identifiers.
type IdService interface {
	ServiceVersion(ctx context.Context) (string, error)
	MsgId(ctx context.Context) (int64, error)
}

// NodeStat is a point in time report of a node's load.
type NodeStat struct {
	Node     string    `json:"node"`
	Addr     string    `json:"addr"`
	Online   int       `json:"online"`
	Sent     uint64    `json:"sent"`
	Received uint64    `json:"received"`
	Time     time.Time `json:"time"`
}

// StatService collects node statistics for the fleet.
type StatService interface {
	ServiceVersion(ctx context.Context) (string, error)
	Report(ctx context.Context, stat *NodeStat) error
}
