// Package machine implements the generic finite-state-machine shape shared by
// the Order and Call aggregates: a set of states, an allowed-transition table,
// a terminal-state set, and a recorded history of every successful transition.
package machine

import "time"

// Transition records one successful state change.
type Transition struct {
	State         string         `json:"state"`
	PreviousState string         `json:"previous_state"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// ErrorEntry records one failure captured alongside a transition.
type ErrorEntry struct {
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// State is the constraint every domain state enumeration must satisfy: a
// named string type, so it prints as its own value in history and JSON.
type State interface{ ~string }

// Table is the allowed-transition table for one domain: for each state, the
// set of states it may legally transition to.
type Table[S State] map[S][]S

// Machine is the shared engine behind order.Aggregate and call.Aggregate. It
// never returns an error; every operation is a boolean plus an optional
// captured error string recorded in history.
type Machine[S State] struct {
	table    Table[S]
	terminal map[S]bool

	State      S
	History    []S
	Timestamps []Transition
	ErrorLog   []ErrorEntry
}

// New creates a machine seeded at initial, recording the creation entry.
func New[S State](table Table[S], terminal map[S]bool, initial S, now time.Time) *Machine[S] {
	m := &Machine[S]{
		table:    table,
		terminal: terminal,
		State:    initial,
		History:  []S{initial},
	}
	m.Timestamps = append(m.Timestamps, Transition{
		State:     string(initial),
		Timestamp: now,
	})
	return m
}

// Restore rebuilds a machine from persisted state without re-appending a
// creation entry. Used when rehydrating an aggregate from the Store.
func Restore[S State](table Table[S], terminal map[S]bool, state S, history []S, timestamps []Transition, errorLog []ErrorEntry) *Machine[S] {
	return &Machine[S]{
		table:      table,
		terminal:   terminal,
		State:      state,
		History:    history,
		Timestamps: timestamps,
		ErrorLog:   errorLog,
	}
}

// IsFinal reports whether the machine is in a terminal state.
func (m *Machine[S]) IsFinal() bool {
	return m.terminal[m.State]
}

// CanTransitionTo reports whether target is a legal successor of the current
// state, without mutating anything.
func (m *Machine[S]) CanTransitionTo(target S) bool {
	if m.IsFinal() {
		return false
	}
	for _, s := range m.table[m.State] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionTo attempts to move to target, recording metadata/errMsg into
// history. Returns false without side effect if the current state is
// terminal or target is not an allowed successor. This is the single
// enforcement point for the domain's exhaustive transition tables.
func (m *Machine[S]) TransitionTo(target S, metadata map[string]any, errMsg string, now time.Time) bool {
	if !m.CanTransitionTo(target) {
		return false
	}

	previous := m.State
	m.State = target
	m.History = append(m.History, target)

	entry := Transition{
		State:         string(target),
		PreviousState: string(previous),
		Timestamp:     now,
		Metadata:      metadata,
	}
	if errMsg != "" {
		entry.Error = errMsg
		m.ErrorLog = append(m.ErrorLog, ErrorEntry{
			State:     string(target),
			Timestamp: now,
			Error:     errMsg,
			Metadata:  metadata,
		})
	}
	m.Timestamps = append(m.Timestamps, entry)

	return true
}
