package call

import (
	"testing"
	"time"
)

func newTestCall(now time.Time) *Aggregate {
	return New("call-1", "ord-1", "a", "b", "a", "trunk1", now)
}

func TestNewCallStartsAtPending(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)

	if c.State() != Pending {
		t.Fatalf("expected initial state PENDING, got %q", c.State())
	}
	if c.IsFinal() {
		t.Fatalf("fresh call must not be final")
	}
}

func TestCallOptimisticBridgePath(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)

	if !c.TransitionTo(CallingA, nil, "", now) {
		t.Fatalf("PENDING -> CALLING_A must be legal")
	}
	if !c.TransitionTo(Bridged, nil, "", now) {
		t.Fatalf("CALLING_A -> BRIDGED must be legal (optimistic dialplan bridge)")
	}
	if c.BridgedAt == nil {
		t.Fatalf("expected BridgedAt to be stamped entering BRIDGED")
	}
	if !c.TransitionTo(Completed, nil, "", now.Add(30*time.Second)) {
		t.Fatalf("BRIDGED -> COMPLETED must be legal")
	}
	if !c.IsFinal() {
		t.Fatalf("COMPLETED must be terminal")
	}
	d, ok := c.DurationSeconds()
	if !ok {
		t.Fatalf("expected DurationSeconds to be derivable once BridgedAt and CompletedAt are both set")
	}
	if d != 30 {
		t.Fatalf("expected 30s duration, got %v", d)
	}
}

func TestCallFullLegPath(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)

	legASteps := []State{CallingA, RingingA, ConnectedA, CallingB, RingingB, ConnectedB, Bridged}
	for _, s := range legASteps {
		if !c.TransitionTo(s, nil, "", now) {
			t.Fatalf("expected transition to %q to succeed along the full leg path", s)
		}
	}
	if c.State() != Bridged {
		t.Fatalf("expected final state BRIDGED, got %q", c.State())
	}
}

func TestCallInvalidTransitionRejected(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)

	if c.TransitionTo(Bridged, nil, "", now) {
		t.Fatalf("PENDING -> BRIDGED is not a legal direct transition")
	}
	if c.State() != Pending {
		t.Fatalf("rejected transition must not mutate state")
	}
}

func TestChannelAIDSetOnce(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)

	if c.SetChannelAID("chan-a-1") {
		t.Fatalf("ChannelAID must not be settable while still PENDING")
	}
	c.TransitionTo(CallingA, nil, "", now)

	if !c.SetChannelAID("chan-a-1") {
		t.Fatalf("expected first SetChannelAID to succeed once in CALLING_A")
	}
	if !c.SetChannelAID("chan-a-1") {
		t.Fatalf("expected repeated SetChannelAID with same id to succeed")
	}
	if c.SetChannelAID("chan-a-2") {
		t.Fatalf("expected SetChannelAID with a different id to fail once already set")
	}
	if c.ChannelAID != "chan-a-1" {
		t.Fatalf("expected ChannelAID to remain chan-a-1, got %q", c.ChannelAID)
	}
}

func TestChannelBIDRequiresCallingBOrLater(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)
	c.TransitionTo(CallingA, nil, "", now)

	if c.SetChannelBID("chan-b-1") {
		t.Fatalf("ChannelBID must not be settable before CALLING_B")
	}

	c.TransitionTo(ConnectedA, nil, "", now)
	c.TransitionTo(CallingB, nil, "", now)

	if !c.SetChannelBID("chan-b-1") {
		t.Fatalf("expected SetChannelBID to succeed once in CALLING_B")
	}
}

func TestDurationSecondsUnavailableBeforeCompletion(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCall(now)
	c.TransitionTo(CallingA, nil, "", now)
	c.TransitionTo(Bridged, nil, "", now)

	if _, ok := c.DurationSeconds(); ok {
		t.Fatalf("expected DurationSeconds to be unavailable before COMPLETED")
	}
}
