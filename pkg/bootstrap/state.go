package bootstrap

import (
	"fmt"
)

// State is a step of node startup.  States are strictly ordered and never go backwards.
type State int32

const (
	StateInit State = iota
	StateAuxResolved
	StateRegistered
	StateTransportReady
	StateFrontendStarted
	StateMonitorStarted
	StateStatStarted
	StateRunning
)

var stateNames = map[State]string{
	StateInit:            "INIT",
	StateAuxResolved:     "AUX_RESOLVED",
	StateRegistered:      "REGISTERED",
	StateTransportReady:  "TRANSPORT_READY",
	StateFrontendStarted: "FRONTEND_STARTED",
	StateMonitorStarted:  "MONITOR_STARTED",
	StateStatStarted:     "STAT_STARTED",
	StateRunning:         "RUNNING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FatalError is returned by Orchestrator.Run when a stage that must succeed failed.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
