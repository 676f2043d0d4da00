// Package transport builds the sender/receiver pair a node exchanges messages with the fleet through.
package transport

import (
	"github.com/gru-im/spear"
	"github.com/gru-im/spear/pkg/spearctx"
	"github.com/gru-im/spear/pkg/transport/inner"
	"github.com/gru-im/spear/pkg/transport/rocketmq"
)

// Mode is a transport variant.
type Mode int

const (
	// ModeInner is the in-process queue transport.
	ModeInner Mode = iota
	// ModeRocketMQ is the RocketMQ broker backed transport.
	ModeRocketMQ
)

func (m Mode) String() string {
	switch m {
	case ModeRocketMQ:
		return "rocketmq"
	default:
		return "inner"
	}
}

// Constructor builds a matched pair for one mode.  It must not do any I/O.
type Constructor func(sc *spearctx.Context) (spear.Sender, spear.Receiver, error)

var constructors = map[Mode]Constructor{
	ModeInner:    newInner,
	ModeRocketMQ: newRocketMQ,
}

// ParseMode maps a configured mode name to a Mode.  Only the exact names "inner" and "rocketmq" are known.
// Any other name, including the empty name and other spellings of a known one, is ModeInner; known reports
// whether the name was recognised.
func ParseMode(name string) (mode Mode, known bool) {
	switch name {
	case "inner":
		return ModeInner, true
	case "rocketmq":
		return ModeRocketMQ, true
	default:
		return ModeInner, false
	}
}

// New builds the pair for mode and sets it on sc.  Failures are spear.ErrTransport kind errors, and leave sc
// untouched.
func New(mode Mode, sc *spearctx.Context) (spear.Sender, spear.Receiver, error) {
	construct, ok := constructors[mode]
	if !ok {
		construct = constructors[ModeInner]
	}
	sender, receiver, err := construct(sc)
	if err != nil {
		return nil, nil, spear.NewError(spear.KindTransport, "create "+mode.String()+" transport", err)
	}
	sc.SetTransport(sender, receiver)
	return sender, receiver, nil
}

// FromContext reads the mode from sc and builds the pair for it.
func FromContext(sc *spearctx.Context) (Mode, spear.Sender, spear.Receiver, error) {
	name := sc.Get(spear.ParamMode)
	mode, known := ParseMode(name)
	if !known {
		sc.Logger().WithField("mode", name).Warnf("Unknown transport mode, using %s", mode)
	}
	sender, receiver, err := New(mode, sc)
	return mode, sender, receiver, err
}

func newInner(sc *spearctx.Context) (spear.Sender, spear.Receiver, error) {
	s, r := inner.New(sc.Logger(), sc.GetInt(spear.ParamInnerQueueSize, spear.DefaultInnerQueueSize))
	return s, r, nil
}

func newRocketMQ(sc *spearctx.Context) (spear.Sender, spear.Receiver, error) {
	cfg, err := rocketmq.ConfigFromContext(sc)
	if err != nil {
		return nil, nil, err
	}
	s, r := rocketmq.New(sc.Logger(), cfg)
	return s, r, nil
}
