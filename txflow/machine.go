// Package txflow orchestrates state-changing contract calls: a mutation
// state machine with a single-flight guard, and the approve-then-act
// composite most deposit flows need. All waiting is context-aware; all
// failures end as observable state, never panics.
package txflow

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is the user-visible lifecycle of one mutation.
type State uint8

const (
	// StateIdle is the initial state; no mutation has started.
	StateIdle State = iota
	// StateExecuting means the wallet has been asked to sign.
	StateExecuting
	// StateProcessing means a signed transaction is waiting for inclusion.
	StateProcessing
	// StateSuccess is terminal until Reset.
	StateSuccess
	// StateError is terminal until Reset.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateProcessing:
		return "processing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// transitions is the full legality table. Error is reachable from Executing
// and Processing; Reset (terminal -> Idle) is the only way out of a terminal
// state.
var transitions = map[State][]State{
	StateIdle:       {StateExecuting},
	StateExecuting:  {StateProcessing, StateError},
	StateProcessing: {StateSuccess, StateError},
	StateSuccess:    {StateIdle},
	StateError:      {StateIdle},
}

// IllegalTransitionError reports an attempted transition outside the table.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("txflow: illegal transition %s -> %s", e.From, e.To)
}

// Snapshot is a point-in-time view of a machine, safe to hand to UI code.
type Snapshot struct {
	State   State
	TxHash  common.Hash
	Err     error
	Message string
}

// Machine is a thread-safe mutation state machine. The zero value is Idle.
type Machine struct {
	mu     sync.Mutex
	state  State
	txHash common.Hash
	err    error
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state with its state-appropriate message.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{State: m.state, TxHash: m.txHash, Err: m.err}
	switch m.state {
	case StateExecuting:
		snap.Message = "Waiting for wallet signature..."
	case StateProcessing:
		snap.Message = "Transaction submitted, waiting for confirmation..."
	case StateSuccess:
		snap.Message = "Transaction confirmed."
	case StateError:
		snap.Message = UserMessage(m.err)
	}
	return snap
}

// Transition moves the machine to the target state, or fails with an
// IllegalTransitionError.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return &IllegalTransitionError{From: m.state, To: to}
}

// setTx records the submitted transaction hash.
func (m *Machine) setTx(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txHash = hash
}

// fail records err and moves to Error.
func (m *Machine) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m.transitionLocked(StateError)
}

// reset returns the machine to Idle from a terminal state and clears the
// pending transaction reference. Resetting an Idle machine is a no-op.
func (m *Machine) reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return nil
	}
	if err := m.transitionLocked(StateIdle); err != nil {
		return err
	}
	m.txHash = common.Hash{}
	m.err = nil
	return nil
}
