package order

import (
	"testing"
	"time"
)

func TestNewOrderStartsAtCreated(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "09140916320", "09221609805", "09140916320", "trunk1", now)

	if o.State() != Created {
		t.Fatalf("expected initial state CREATED, got %q", o.State())
	}
	if o.IsFinal() {
		t.Fatalf("fresh order must not be final")
	}
	if len(o.History()) != 1 || o.History()[0] != Created {
		t.Fatalf("expected seeded history [CREATED], got %v", o.History())
	}
}

func TestOrderHappyPathTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "a", "b", "a", "trunk1", now)

	steps := []State{Pending, Processing, Initiated, Verified, Completed}
	for _, s := range steps {
		if !o.TransitionTo(s, nil, "", now) {
			t.Fatalf("expected transition to %q to succeed", s)
		}
	}
	if o.State() != Completed {
		t.Fatalf("expected final state COMPLETED, got %q", o.State())
	}
	if !o.IsFinal() {
		t.Fatalf("COMPLETED must be terminal")
	}
	if o.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be stamped")
	}
}

func TestOrderTransitionFromCreatedToCompletedRejected(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "a", "b", "a", "trunk1", now)

	if o.TransitionTo(Completed, nil, "", now) {
		t.Fatalf("CREATED -> COMPLETED is not a legal transition and must be rejected")
	}
	if o.State() != Created {
		t.Fatalf("rejected transition must not mutate state, got %q", o.State())
	}
}

func TestOrderTerminalIsSticky(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "a", "b", "a", "trunk1", now)
	o.TransitionTo(Failed, nil, "boom", now)

	if !o.IsFinal() {
		t.Fatalf("expected FAILED to be terminal")
	}
	if o.TransitionTo(Pending, nil, "", now) {
		t.Fatalf("no transition may leave a terminal order")
	}
	if len(o.ErrorLog()) != 1 || o.ErrorLog()[0].Error != "boom" {
		t.Fatalf("expected error log to capture the failure reason")
	}
}

func TestSetCallIDIdempotent(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "a", "b", "a", "trunk1", now)

	if !o.SetCallID("call-1") {
		t.Fatalf("expected first SetCallID to succeed")
	}
	if !o.SetCallID("call-1") {
		t.Fatalf("expected repeated SetCallID with the same id to succeed")
	}
	if o.SetCallID("call-2") {
		t.Fatalf("expected SetCallID with a different id to fail once already set")
	}
	if o.CallID != "call-1" {
		t.Fatalf("expected CallID to remain call-1, got %q", o.CallID)
	}
}

func TestOrderMetadataMergeOnTransition(t *testing.T) {
	now := time.Unix(1000, 0)
	o := New("ord-1", "tok", "a", "b", "a", "trunk1", now)
	o.TransitionTo(Pending, map[string]any{"reason": "queued"}, "", now)

	if o.Metadata["reason"] != "queued" {
		t.Fatalf("expected transition metadata to merge into Order.Metadata, got %v", o.Metadata)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	now := time.Unix(1000, 0)
	original := New("ord-1", "tok", "a", "b", "a", "trunk1", now)
	original.TransitionTo(Pending, map[string]any{"x": "y"}, "", now)
	original.SetCallID("call-1")

	restored := Restore(original.OrderID, original.UserToken, original.NumberA, original.NumberB,
		original.CallerID, original.TrunkName, original.CallID, original.Metadata, original.State(),
		original.History(), original.Timestamps(), original.ErrorLog(),
		original.CreatedAt, original.UpdatedAt, original.CompletedAt, original.FailedAt, original.CancelledAt)

	if restored.State() != original.State() {
		t.Fatalf("expected equal state after restore, got %q vs %q", restored.State(), original.State())
	}
	if len(restored.History()) != len(original.History()) {
		t.Fatalf("expected equal history length after restore")
	}
	if restored.CallID != original.CallID {
		t.Fatalf("expected equal CallID after restore")
	}
	if restored.Metadata["x"] != "y" {
		t.Fatalf("expected metadata to survive round-trip, got %v", restored.Metadata)
	}
}
