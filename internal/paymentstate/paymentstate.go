// Package paymentstate implements the outgoing-payment state machine: the
// INITIAL -> IN_PROGRESS -> {COMPLETED | FAILED} progression (with CANCELLED
// reachable from INITIAL or IN_PROGRESS) that walks a payment across its
// plugin sendingPriority. It holds no persistence logic of its own -- the
// owning PaymentObject is responsible for persisting State after every
// transition.
package paymentstate

import (
	"time"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
)

// InternalState is the outer lifecycle stage of an outgoing payment.
type InternalState string

const (
	Initial    InternalState = "INITIAL"
	InProgress InternalState = "IN_PROGRESS"
	Completed  InternalState = "COMPLETED"
	Failed     InternalState = "FAILED"
	Cancelled  InternalState = "CANCELLED"
)

// terminal reports whether s is absorbing -- no further transition is legal.
func (s InternalState) terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// RunState is the outcome of a single plugin attempt.
type RunState string

const (
	Submitted RunState = "SUBMITTED"
	RunFailed RunState = "FAILED"
	RunSucceeded RunState = "SUCCESS"
)

// PluginRun records one plugin's attempt at a payment.
type PluginRun struct {
	Name    string     `json:"name"`
	StartAt time.Time  `json:"startAt"`
	EndAt   *time.Time `json:"endAt"`
	State   RunState   `json:"state"`
}

// Now is overridable in tests so transition timestamps are deterministic.
var Now = time.Now

// State is the full state-machine record a PaymentObject embeds.
type State struct {
	InternalState     InternalState `json:"internalState"`
	PendingPlugins    []string      `json:"pendingPlugins"`
	TriedPlugins      []PluginRun   `json:"triedPlugins"`
	CurrentPlugin     *PluginRun    `json:"currentPlugin"`
	CompletedByPlugin *PluginRun    `json:"completedByPlugin"`
}

// New constructs an INITIAL state with the given plugin try order.
// pendingPlugins must be a non-nil ordered sequence of plugin names.
func New(pendingPlugins []string) (State, error) {
	if pendingPlugins == nil {
		return State{}, apierr.ErrPendingPluginsNotArray
	}
	cp := make([]string, len(pendingPlugins))
	copy(cp, pendingPlugins)
	return State{
		InternalState:  Initial,
		PendingPlugins: cp,
		TriedPlugins:   []PluginRun{},
	}, nil
}

// Cancel transitions INITIAL or IN_PROGRESS -> CANCELLED.
func (s *State) Cancel() error {
	switch s.InternalState {
	case Initial, InProgress:
		s.InternalState = Cancelled
		return nil
	default:
		return apierr.ErrInvalidState(string(s.InternalState))
	}
}

// Process is the combined driver described in the spec: from INITIAL it
// engages the first pending plugin; from IN_PROGRESS with no current plugin
// it either engages the next pending plugin or, if none remain, fails the
// payment. It returns true if a plugin was engaged, false if the payment was
// failed. It is an error to call Process while a plugin is already current.
func (s *State) Process() (bool, error) {
	switch s.InternalState {
	case Initial:
		return s.advance()
	case InProgress:
		if s.CurrentPlugin != nil {
			return false, apierr.ErrPluginInProgress(s.CurrentPlugin.Name)
		}
		return s.advance()
	default:
		return false, apierr.ErrInvalidState(string(s.InternalState))
	}
}

// advance pops the next pending plugin into CurrentPlugin, or fails the
// payment if none remain.
func (s *State) advance() (bool, error) {
	if len(s.PendingPlugins) == 0 {
		s.InternalState = Failed
		return false, nil
	}
	name := s.PendingPlugins[0]
	s.PendingPlugins = s.PendingPlugins[1:]
	s.InternalState = InProgress
	s.CurrentPlugin = &PluginRun{Name: name, StartAt: Now(), State: Submitted}
	return true, nil
}

// TryNext pops the next pending plugin into CurrentPlugin. It requires
// CurrentPlugin to be nil and the state to be IN_PROGRESS.
func (s *State) TryNext() error {
	if s.InternalState != InProgress {
		return apierr.ErrInvalidState(string(s.InternalState))
	}
	if s.CurrentPlugin != nil {
		return apierr.ErrPluginInProgress(s.CurrentPlugin.Name)
	}
	engaged, err := s.advance()
	if err != nil {
		return err
	}
	if !engaged {
		return apierr.ErrNoPluginsAvailable
	}
	return nil
}

// FailCurrentPlugin records the current plugin as failed and appends it to
// TriedPlugins, leaving the payment IN_PROGRESS with no current plugin so the
// caller can TryNext or, finding none pending, Process again to fail it.
func (s *State) FailCurrentPlugin() error {
	if s.InternalState != InProgress {
		return apierr.ErrInvalidState(string(s.InternalState))
	}
	if s.CurrentPlugin == nil {
		return apierr.ErrInvalidState(string(s.InternalState))
	}
	now := Now()
	run := *s.CurrentPlugin
	run.EndAt = &now
	run.State = RunFailed
	s.TriedPlugins = append(s.TriedPlugins, run)
	s.CurrentPlugin = nil
	return nil
}

// Complete marks the current plugin as the one that completed the payment.
func (s *State) Complete() error {
	if s.InternalState != InProgress {
		return apierr.ErrInvalidState(string(s.InternalState))
	}
	if s.CurrentPlugin == nil {
		return apierr.ErrInvalidState(string(s.InternalState))
	}
	now := Now()
	run := *s.CurrentPlugin
	run.EndAt = &now
	run.State = RunSucceeded
	s.CompletedByPlugin = &run
	s.CurrentPlugin = nil
	s.InternalState = Completed
	return nil
}

// IsTerminal reports whether no further transition is legal.
func (s State) IsTerminal() bool {
	return s.InternalState.terminal()
}
