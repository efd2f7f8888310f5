// Package order implements the commercial envelope state machine: an Order
// tracks a masked-call request from creation through billing-relevant
// completion, independently of the underlying Call's telephony states.
package order

import (
	"time"

	"maskedcall/internal/machine"
)

// State is one of the nine Order states.
type State string

const (
	Created    State = "created"
	Pending    State = "pending"
	Processing State = "processing"
	Initiated  State = "initiated"
	Verified   State = "verified"
	Completed  State = "completed"
	Failed     State = "failed"
	Cancelled  State = "cancelled"
	Refunded   State = "refunded"
)

var transitions = machine.Table[State]{
	Created:    {Pending, Failed, Cancelled},
	Pending:    {Processing, Failed, Cancelled},
	Processing: {Initiated, Failed, Cancelled},
	Initiated:  {Verified, Completed, Failed, Cancelled},
	Verified:   {Completed, Failed, Cancelled},
	Completed:  {},
	Failed:     {},
	Cancelled:  {},
	Refunded:   {},
}

var terminal = map[State]bool{
	Completed: true,
	Failed:    true,
	Cancelled: true,
	Refunded:  true,
}

// Aggregate is one Order: the commercial envelope for a masked-call request.
// It references a Call only by id; CallID is resolved through the Store,
// never embedded.
type Aggregate struct {
	OrderID    string
	UserToken  string
	NumberA    string
	NumberB    string
	CallerID   string
	TrunkName  string
	CallID     string // empty until set
	Metadata   map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	CancelledAt *time.Time

	m *machine.Machine[State]
}

// New creates a fresh Order in CREATED state.
func New(orderID, userToken, numberA, numberB, callerID, trunkName string, now time.Time) *Aggregate {
	return &Aggregate{
		OrderID:   orderID,
		UserToken: userToken,
		NumberA:   numberA,
		NumberB:   numberB,
		CallerID:  callerID,
		TrunkName: trunkName,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
		m:         machine.New(transitions, terminal, Created, now),
	}
}

// Restore rehydrates an Aggregate from persisted rows: same state, history,
// timestamps, and metadata as when it was last saved.
func Restore(orderID, userToken, numberA, numberB, callerID, trunkName, callID string, metadata map[string]any, state State, history []State, timestamps []machine.Transition, errorLog []machine.ErrorEntry, createdAt, updatedAt time.Time, completedAt, failedAt, cancelledAt *time.Time) *Aggregate {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Aggregate{
		OrderID:     orderID,
		UserToken:   userToken,
		NumberA:     numberA,
		NumberB:     numberB,
		CallerID:    callerID,
		TrunkName:   trunkName,
		CallID:      callID,
		Metadata:    metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		CompletedAt: completedAt,
		FailedAt:    failedAt,
		CancelledAt: cancelledAt,
		m:           machine.Restore(transitions, terminal, state, history, timestamps, errorLog),
	}
}

// State returns the current Order state.
func (a *Aggregate) State() State { return a.m.State }

// IsFinal reports whether the Order is in a terminal state.
func (a *Aggregate) IsFinal() bool { return a.m.IsFinal() }

// History returns the ordered, append-only sequence of states.
func (a *Aggregate) History() []State { return a.m.History }

// Timestamps returns the per-transition record (state, previous, time, meta, error).
func (a *Aggregate) Timestamps() []machine.Transition { return a.m.Timestamps }

// ErrorLog returns the ordered sequence of captured failures.
func (a *Aggregate) ErrorLog() []machine.ErrorEntry { return a.m.ErrorLog }

// TransitionTo attempts the state change, stamping the specialised
// *_at field for the target state and folding metadata into Metadata.
func (a *Aggregate) TransitionTo(target State, metadata map[string]any, errMsg string, now time.Time) bool {
	if !a.m.TransitionTo(target, metadata, errMsg, now) {
		return false
	}
	a.UpdatedAt = now
	for k, v := range metadata {
		a.Metadata[k] = v
	}
	switch target {
	case Completed:
		a.CompletedAt = &now
	case Failed:
		a.FailedAt = &now
	case Cancelled:
		a.CancelledAt = &now
	}
	return true
}

// SetCallID is an idempotent mutator: it fails if CallID is already set to a
// different value. It never fails when called again with the same id.
func (a *Aggregate) SetCallID(callID string) bool {
	if a.CallID != "" && a.CallID != callID {
		return false
	}
	a.CallID = callID
	return true
}
