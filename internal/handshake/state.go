// Package handshake tracks the progress of one HELLO exchange so that a
// failure can be attributed to the step where it happened.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a step of the HELLO exchange.
type State int

const (
	// StateInit is the state before any frame is exchanged.
	StateInit State = iota

	// StateHelloSent indicates our HELLO has been written.
	StateHelloSent

	// StateHelloReceived indicates the remote HELLO has been read and
	// validated.
	StateHelloReceived

	// StateComplete indicates both verdicts were ACCEPT.
	StateComplete

	// StateFailed indicates the exchange was abandoned.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHelloSent:
		return "HelloSent"
	case StateHelloReceived:
		return "HelloReceived"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// ErrInvalidStateTransition indicates an out-of-order handshake step.
var ErrInvalidStateTransition = errors.New("invalid handshake state transition")

// StateMachine records the steps of one handshake.
// The dialer walks Init, HelloSent, HelloReceived, Complete; the acceptor
// walks Init, HelloReceived, HelloSent, Complete.
//
// All methods are safe for concurrent use.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	failedAt  State
	lastError error
	startTime time.Time
	endTime   time.Time
}

// NewStateMachine creates a state machine in StateInit and starts its
// clock.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:     StateInit,
		startTime: time.Now(),
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// FailedAt returns the step that was current when Fail was called.
func (sm *StateMachine) FailedAt() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.failedAt
}

// LastError returns the error passed to Fail, if any.
func (sm *StateMachine) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastError
}

// Duration returns the time from creation until the handshake ended, or
// until now while it is still running.
func (sm *StateMachine) Duration() time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.endTime.IsZero() {
		return time.Since(sm.startTime)
	}
	return sm.endTime.Sub(sm.startTime)
}

// Transition moves to the next step.
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidTransition(sm.state, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidStateTransition, sm.state, to)
	}
	sm.state = to
	if to == StateComplete {
		sm.endTime = time.Now()
	}
	return nil
}

// Fail marks the handshake as failed with err. Failing a finished
// handshake has no effect.
func (sm *StateMachine) Fail(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state == StateComplete || sm.state == StateFailed {
		return
	}
	sm.failedAt = sm.state
	sm.state = StateFailed
	sm.lastError = err
	sm.endTime = time.Now()
}

// IsComplete returns true if the handshake completed successfully.
func (sm *StateMachine) IsComplete() bool {
	return sm.State() == StateComplete
}

// IsTerminal returns true if the handshake completed or failed.
func (sm *StateMachine) IsTerminal() bool {
	s := sm.State()
	return s == StateComplete || s == StateFailed
}

// isValidTransition checks if a state transition is valid.
// Valid transitions:
//
//	Init -> HelloSent, HelloReceived, Failed
//	HelloSent -> HelloReceived, Complete, Failed
//	HelloReceived -> HelloSent, Complete, Failed
//	Complete, Failed -> (terminal)
func isValidTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateHelloSent || to == StateHelloReceived || to == StateFailed
	case StateHelloSent:
		return to == StateHelloReceived || to == StateComplete || to == StateFailed
	case StateHelloReceived:
		return to == StateHelloSent || to == StateComplete || to == StateFailed
	default:
		return false
	}
}
