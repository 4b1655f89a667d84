// Package statemachine implements the authoritative lifecycle of one
// execution. Only the edges in the transition table are legal; any other
// requested transition fails without mutating state. Every successful
// transition is appended to an immutable log that forms the audit trail.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
)

// ErrInvalidTransition is returned when an event is not legal for the
// current state. The machine is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// eventTargets maps an event to the state it implies, keyed by the state the
// machine must currently be in.
var eventTargets = map[contracts.ExecutionEvent]map[contracts.ExecutionState]contracts.ExecutionState{
	contracts.EventStartValidation: {
		contracts.StatePending: contracts.StateValidating,
		// Retry re-entry: a failed execution may be re-queued.
		contracts.StateFailed: contracts.StatePending,
	},
	contracts.EventValidationSuccess: {
		contracts.StateValidating: contracts.StateExecuting,
	},
	contracts.EventStartExecution: {
		contracts.StateValidating: contracts.StateExecuting,
	},
	contracts.EventValidationFailure: {
		contracts.StateValidating: contracts.StateFailed,
	},
	contracts.EventExecutionSuccess: {
		contracts.StateExecuting: contracts.StateCompleted,
	},
	contracts.EventExecutionFailure: {
		contracts.StateExecuting: contracts.StateFailed,
	},
	contracts.EventRollback: {
		contracts.StateFailed: contracts.StateRolledBack,
	},
}

// Machine is the finite-state machine for one execution record.
// Transitions are applied atomically with respect to concurrent readers:
// a snapshot taken mid-transition sees either the pre- or post-transition
// state, never a torn write.
type Machine struct {
	mu          sync.RWMutex
	current     contracts.ExecutionState
	transitions []contracts.StateTransition
	now         func() time.Time
}

// New creates a machine in PENDING.
func New() *Machine {
	return NewAt(contracts.StatePending)
}

// NewAt creates a machine in the given initial state.
func NewAt(initial contracts.ExecutionState) *Machine {
	return &Machine{current: initial, now: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Transition applies event to the machine. On success it appends and returns
// the recorded transition. On failure it returns ErrInvalidTransition
// (wrapped with the event and current state) and mutates nothing.
func (m *Machine) Transition(event contracts.ExecutionEvent, metadata map[string]any) (*contracts.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets, known := eventTargets[event]
	if !known {
		return nil, fmt.Errorf("%w: unknown event %s in state %s", ErrInvalidTransition, event, m.current)
	}
	next, ok := targets[m.current]
	if !ok {
		return nil, fmt.Errorf("%w: event %s not legal in state %s", ErrInvalidTransition, event, m.current)
	}

	tr := contracts.StateTransition{
		From:      m.current,
		To:        next,
		Event:     event,
		Timestamp: m.now(),
		Metadata:  metadata,
	}
	m.transitions = append(m.transitions, tr)
	m.current = next
	return &tr, nil
}

// State returns the current state.
func (m *Machine) State() contracts.ExecutionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transitions returns a copy of the transition log.
func (m *Machine) Transitions() []contracts.StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.StateTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// IsTerminal reports whether the machine can transition no further.
func (m *Machine) IsTerminal() bool {
	return m.State().Terminal()
}

// IsFailed reports whether the machine is in FAILED.
func (m *Machine) IsFailed() bool {
	return m.State() == contracts.StateFailed
}

// IsSuccessful reports whether the machine reached COMPLETED.
func (m *Machine) IsSuccessful() bool {
	return m.State() == contracts.StateCompleted
}

// Snapshot is the persistable form of a machine.
type Snapshot struct {
	CurrentState contracts.ExecutionState    `json:"currentState"`
	Transitions  []contracts.StateTransition `json:"transitions"`
}

// Export captures the machine for persistence.
func (m *Machine) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	transitions := make([]contracts.StateTransition, len(m.transitions))
	copy(transitions, m.transitions)
	return Snapshot{CurrentState: m.current, Transitions: transitions}
}

// Import restores a machine from a persisted snapshot. No side effects are
// replayed; only in-memory state is reconstructed.
func Import(snap Snapshot) *Machine {
	m := NewAt(snap.CurrentState)
	m.transitions = make([]contracts.StateTransition, len(snap.Transitions))
	copy(m.transitions, snap.Transitions)
	return m
}
