package executor

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a transition missing from the table
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle position of one account execution
type State string

const (
	StatePendingPDTCheck State = "PENDING_PDT_CHECK"
	StateConnecting      State = "CONNECTING"
	StateSnapshotting    State = "SNAPSHOTTING"
	StateCalculating     State = "CALCULATING"
	StateSelling         State = "SELLING"
	StateBuying          State = "BUYING"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// IsTerminal reports whether no transition leaves s
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State]map[State]bool{
	StatePendingPDTCheck: {StateConnecting: true, StateFailed: true},
	StateConnecting:      {StateSnapshotting: true, StateFailed: true},
	StateSnapshotting:    {StateCalculating: true, StateFailed: true},
	StateCalculating:     {StateSelling: true, StateDone: true, StateFailed: true},
	StateSelling:         {StateBuying: true, StateFailed: true},
	StateBuying:          {StateDone: true, StateFailed: true},
}

// machine tracks the state of one execution. It is owned by a single goroutine.
type machine struct {
	current State
	onEnter func(from, to State)
}

func newMachine(onEnter func(from, to State)) *machine {
	return &machine{current: StatePendingPDTCheck, onEnter: onEnter}
}

func (m *machine) State() State {
	return m.current
}

func (m *machine) to(next State) error {
	if !transitions[m.current][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, next)
	}
	from := m.current
	m.current = next
	if m.onEnter != nil {
		m.onEnter(from, next)
	}
	return nil
}

// fail moves to FAILED from any non-terminal state
func (m *machine) fail() {
	if m.current.IsTerminal() {
		return
	}
	_ = m.to(StateFailed)
}
