// Package call implements the two-leg telephony state machine: a Call
// tracks the A-leg and B-leg legs of one bridged conversation from dial-out
// through teardown, one state transition at a time.
package call

import (
	"time"

	"maskedcall/internal/machine"
)

// State is one of the thirteen Call states.
type State string

const (
	Pending      State = "pending"
	CallingA     State = "calling_a"
	RingingA     State = "ringing_a"
	ConnectedA   State = "connected_a"
	CallingB     State = "calling_b"
	RingingB     State = "ringing_b"
	ConnectedB   State = "connected_b"
	Bridged      State = "bridged"
	Completed    State = "completed"
	FailedA      State = "failed_a"
	FailedB      State = "failed_b"
	FailedSystem State = "failed_system"
	Cancelled    State = "cancelled"
)

var transitions = machine.Table[State]{
	Pending: {CallingA, FailedSystem, Cancelled},
	// Bridged is reachable directly from CallingA: the Originate response is
	// read synchronously and the dialplan bridge is declared optimistically,
	// without waiting through ConnectedA/CallingB/RingingB.
	CallingA:     {RingingA, ConnectedA, Bridged, FailedA, FailedSystem, Cancelled},
	RingingA:     {ConnectedA, FailedA, FailedSystem, Cancelled},
	ConnectedA:   {CallingB, FailedSystem, Cancelled},
	CallingB:     {RingingB, ConnectedB, Bridged, FailedB, FailedSystem, Cancelled},
	RingingB:     {ConnectedB, Bridged, FailedB, FailedSystem, Cancelled},
	ConnectedB:   {Bridged, FailedSystem, Cancelled},
	Bridged:      {Completed, FailedSystem, Cancelled},
	Completed:    {},
	FailedA:      {},
	FailedB:      {},
	FailedSystem: {},
	Cancelled:    {},
}

var terminal = map[State]bool{
	Completed:    true,
	FailedA:      true,
	FailedB:      true,
	FailedSystem: true,
	Cancelled:    true,
}

// Aggregate is one Call: the two-leg telephony session underlying an Order.
type Aggregate struct {
	CallID     string
	OrderID    string
	NumberA    string
	NumberB    string
	CallerID   string
	TrunkName  string
	ChannelAID string // set at most once, only while CALLING_A or later
	ChannelBID string // set at most once, only while CALLING_B or later
	ActionID   string
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time

	StartedAt   *time.Time // stamped entering CALLING_A
	AnsweredAt  *time.Time // stamped entering CONNECTED_A
	BridgedAt   *time.Time // stamped entering BRIDGED
	CompletedAt *time.Time
	FailedAt    *time.Time

	m *machine.Machine[State]
}

// New creates a fresh Call in PENDING state.
func New(callID, orderID, numberA, numberB, callerID, trunkName string, now time.Time) *Aggregate {
	return &Aggregate{
		CallID:    callID,
		OrderID:   orderID,
		NumberA:   numberA,
		NumberB:   numberB,
		CallerID:  callerID,
		TrunkName: trunkName,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
		m:         machine.New(transitions, terminal, Pending, now),
	}
}

// Restore rehydrates an Aggregate from persisted rows.
func Restore(callID, orderID, numberA, numberB, callerID, trunkName, channelAID, channelBID, actionID string, metadata map[string]any, state State, history []State, timestamps []machine.Transition, errorLog []machine.ErrorEntry, createdAt, updatedAt time.Time, startedAt, answeredAt, bridgedAt, completedAt, failedAt *time.Time) *Aggregate {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Aggregate{
		CallID:      callID,
		OrderID:     orderID,
		NumberA:     numberA,
		NumberB:     numberB,
		CallerID:    callerID,
		TrunkName:   trunkName,
		ChannelAID:  channelAID,
		ChannelBID:  channelBID,
		ActionID:    actionID,
		Metadata:    metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		StartedAt:   startedAt,
		AnsweredAt:  answeredAt,
		BridgedAt:   bridgedAt,
		CompletedAt: completedAt,
		FailedAt:    failedAt,
		m:           machine.Restore(transitions, terminal, state, history, timestamps, errorLog),
	}
}

// State returns the current Call state.
func (a *Aggregate) State() State { return a.m.State }

// IsFinal reports whether the Call is in a terminal state.
func (a *Aggregate) IsFinal() bool { return a.m.IsFinal() }

// History returns the ordered, append-only sequence of states.
func (a *Aggregate) History() []State { return a.m.History }

// Timestamps returns the per-transition record.
func (a *Aggregate) Timestamps() []machine.Transition { return a.m.Timestamps }

// ErrorLog returns the ordered sequence of captured failures.
func (a *Aggregate) ErrorLog() []machine.ErrorEntry { return a.m.ErrorLog }

// TransitionTo attempts the state change, recording metadata/errMsg and
// stamping the specialised *_at field for the target state.
func (a *Aggregate) TransitionTo(target State, metadata map[string]any, errMsg string, now time.Time) bool {
	if !a.m.TransitionTo(target, metadata, errMsg, now) {
		return false
	}
	a.UpdatedAt = now
	for k, v := range metadata {
		a.Metadata[k] = v
	}
	switch target {
	case CallingA:
		a.StartedAt = &now
	case ConnectedA:
		a.AnsweredAt = &now
	case Bridged:
		a.BridgedAt = &now
	case Completed:
		a.CompletedAt = &now
	case FailedA, FailedB, FailedSystem:
		a.FailedAt = &now
	}
	return true
}

// DurationSeconds returns the bridged-to-completed duration, derived only
// once the Call has reached COMPLETED with both BridgedAt and CompletedAt
// recorded. Returns 0 and false otherwise.
func (a *Aggregate) DurationSeconds() (float64, bool) {
	if a.BridgedAt == nil || a.CompletedAt == nil {
		return 0, false
	}
	return a.CompletedAt.Sub(*a.BridgedAt).Seconds(), true
}

// SetChannelAID sets channel_a_id at most once, and only while the Call is in
// CALLING_A or a later (non-leg-A-pending) state.
func (a *Aggregate) SetChannelAID(channelID string) bool {
	if a.ChannelAID != "" {
		return a.ChannelAID == channelID
	}
	if a.State() == Pending {
		return false
	}
	a.ChannelAID = channelID
	return true
}

// SetChannelBID sets channel_b_id at most once, and only once the Call has
// reached CALLING_B or later.
func (a *Aggregate) SetChannelBID(channelID string) bool {
	if a.ChannelBID != "" {
		return a.ChannelBID == channelID
	}
	switch a.State() {
	case CallingB, RingingB, ConnectedB, Bridged, Completed:
		a.ChannelBID = channelID
		return true
	default:
		return false
	}
}
