// Package transfer runs one file's journey from negotiation to a
// verified, atomically renamed destination. A Session is created per
// file, driven to a terminal state, and never reused.
package transfer

import (
	"github.com/loonghao/eacopy/internal/errkind"
	"github.com/loonghao/eacopy/internal/progress"
)

// Strategy selects how a file's bytes reach the destination.
type Strategy uint8

const (
	// StrategyFull streams every byte of the source.
	StrategyFull Strategy = iota
	// StrategyDelta sends only instructions against an existing reference.
	StrategyDelta
	// StrategySkip transfers nothing; the destination is already current.
	StrategySkip
)

func (s Strategy) String() string {
	switch s {
	case StrategyFull:
		return "full"
	case StrategyDelta:
		return "delta"
	case StrategySkip:
		return "skip"
	}
	return "unknown"
}

// State is a Session's position in its lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateNegotiating
	StateTransferring
	StateVerifying
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateNegotiating:  "negotiating",
	StateTransferring: "transferring",
	StateVerifying:    "verifying",
	StateComplete:     "complete",
	StateFailed:       "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Session tracks one file transfer. It is owned by a single goroutine;
// only the progress sink may fan out to other observers.
type Session struct {
	Path     string
	Strategy Strategy

	sink   progress.Sink
	copied int64
	total  int64
	state  State
	err    error
}

// NewSession returns a Session in StateIdle for the given file.
func NewSession(path string, strategy Strategy, total int64, sink progress.Sink) *Session {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Session{Path: path, Strategy: strategy, total: total, sink: sink}
}

func (s *Session) State() State  { return s.state }
func (s *Session) Copied() int64 { return s.copied }
func (s *Session) Total() int64  { return s.total }

// Err returns the failure cause after the session reached StateFailed.
func (s *Session) Err() error { return s.err }

// forward transitions are strictly ordered; Failed is reachable from
// any non-terminal state and nothing leaves a terminal state.
func (s *Session) to(next State) error {
	if s.state.Terminal() || (next != StateFailed && next != s.state+1) {
		return errkind.Errorf(errkind.ProtocolViolation, s.Path, "session is %s, cannot enter %s", s.state, next)
	}
	s.state = next
	return nil
}

// Begin moves the session into negotiation.
func (s *Session) Begin() error { return s.to(StateNegotiating) }

// StartTransfer enters StateTransferring and emits the zero-byte
// progress notification.
func (s *Session) StartTransfer() error {
	if err := s.to(StateTransferring); err != nil {
		return err
	}
	s.sink.Progress(0, s.total, s.Path)
	return nil
}

// Advance records n transferred bytes and notifies the sink.
func (s *Session) Advance(n int64) {
	s.copied += n
	s.sink.Progress(s.copied, s.total, s.Path)
}

// StartVerify enters StateVerifying.
func (s *Session) StartVerify() error { return s.to(StateVerifying) }

// Complete finishes the session and emits the final notification with
// copied == total.
func (s *Session) Complete() error {
	if err := s.to(StateComplete); err != nil {
		return err
	}
	s.copied = s.total
	s.sink.Progress(s.copied, s.total, s.Path)
	return nil
}

// Fail moves the session to StateFailed and returns err annotated with
// the session path. A terminal session stays failed with its original
// cause.
func (s *Session) Fail(err error) error {
	if s.state.Terminal() {
		return s.err
	}
	s.state = StateFailed
	s.err = errkind.ClassifyIO(s.Path, err)
	return s.err
}
