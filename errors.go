package spear

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bootstrap failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindResolution
	KindRegistration
	KindTransport
	KindFrontendStart
	KindMonitorStart
	KindStatReport
)

func (k ErrorKind) String() string {
	switch k {
	case KindResolution:
		return "ResolutionError"
	case KindRegistration:
		return "RegistrationError"
	case KindTransport:
		return "TransportError"
	case KindFrontendStart:
		return "FrontendStartError"
	case KindMonitorStart:
		return "MonitorStartError"
	case KindStatReport:
		return "StatReportError"
	default:
		return "UnknownError"
	}
}

// Error is a failure of one of the bootstrap collaborators.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, spear.ErrTransport) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrResolution    = &Error{Kind: KindResolution}
	ErrRegistration  = &Error{Kind: KindRegistration}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrFrontendStart = &Error{Kind: KindFrontendStart}
	ErrMonitorStart  = &Error{Kind: KindMonitorStart}
	ErrStatReport    = &Error{Kind: KindStatReport}
)

// NewError wraps err as a failure of kind during op.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrAlreadyStarted is returned by a Starter whose Start has already been called.
var ErrAlreadyStarted = errors.New("already started")

// ErrNotRunning is returned when sending on a transport which has not been started, or has stopped.
var ErrNotRunning = errors.New("transport is not running")
