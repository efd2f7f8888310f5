package dispatcher

import (
	"context"
	"testing"
	"time"

	"maskedcall/internal/ami"
	"maskedcall/internal/call"
)

// fakeStore is a hand-rolled in-memory stand-in for internal/store.Store,
// scoped to the narrow Store interface the dispatcher actually needs.
type fakeStore struct {
	calls map[string]*call.Aggregate
	saved []string // event types, in save order
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(map[string]*call.Aggregate)}
}

func (f *fakeStore) LoadCall(ctx context.Context, callID string) (*call.Aggregate, error) {
	return f.calls[callID], nil
}

func (f *fakeStore) SaveCallTransition(ctx context.Context, c *call.Aggregate, eventType string) error {
	f.calls[c.CallID] = c
	f.saved = append(f.saved, eventType)
	return nil
}

func (f *fakeStore) SaveCall(ctx context.Context, c *call.Aggregate) error {
	f.calls[c.CallID] = c
	return nil
}

func newTrackedCall(t *testing.T, store *fakeStore, index *Index, callID, actionID string) *call.Aggregate {
	t.Helper()
	now := time.Unix(1000, 0)
	c := call.New(callID, "ord-1", "a", "b", "a", "trunk1", now)
	c.TransitionTo(call.CallingA, nil, "", now)
	store.calls[callID] = c
	index.BindActionID(actionID, callID)
	return c
}

func packet(fields map[string]string) ami.Packet {
	return ami.Packet{Fields: fields}
}

func TestDispatcherRingingAdvancesCallingAToRingingA(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Newstate", "ActionID": "act-1", "ChannelState": "4",
	}))

	if store.calls["call-1"].State() != call.RingingA {
		t.Fatalf("expected RINGING_A, got %q", store.calls["call-1"].State())
	}
}

func TestDispatcherAnswerAdvancesToConnectedA(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Answer", "ActionID": "act-1",
	}))

	if store.calls["call-1"].State() != call.ConnectedA {
		t.Fatalf("expected CONNECTED_A, got %q", store.calls["call-1"].State())
	}
}

func TestDispatcherBridgeEnterAdvancesToBridged(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "BridgeEnter", "ActionID": "act-1",
	}))

	if store.calls["call-1"].State() != call.Bridged {
		t.Fatalf("expected BRIDGED, got %q", store.calls["call-1"].State())
	}
}

func TestDispatcherNormalHangupCompletesCall(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	c := newTrackedCall(t, store, index, "call-1", "act-1")
	c.TransitionTo(call.Bridged, nil, "", time.Unix(1000, 0))

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Hangup", "ActionID": "act-1", "Cause": "16", "Cause-txt": "Normal Clearing",
	}))

	if store.calls["call-1"].State() != call.Completed {
		t.Fatalf("expected COMPLETED on cause 16, got %q", store.calls["call-1"].State())
	}
}

func TestDispatcherAbnormalHangupFailsLegA(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Hangup", "ActionID": "act-1", "Cause": "34", "Cause-txt": "Circuits congested",
	}))

	c := store.calls["call-1"]
	if c.State() != call.FailedA {
		t.Fatalf("expected FAILED_A on non-normal cause while in leg A, got %q", c.State())
	}
	if len(c.ErrorLog()) == 0 || c.ErrorLog()[0].Error != "Circuits congested" {
		t.Fatalf("expected cause text to be captured in the error log, got %v", c.ErrorLog())
	}
}

func TestDispatcherOriginateResponseFailureFailsCall(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "OriginateResponse", "ActionID": "act-1", "Response": "Failure",
		"Reason": "1", "Reason-txt": "No such extension",
	}))

	c := store.calls["call-1"]
	if c.State() != call.FailedA {
		t.Fatalf("expected FAILED_A on OriginateResponse failure, got %q", c.State())
	}
}

func TestDispatcherNewchannelBindsChannelIDWithoutAnEvent(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	newTrackedCall(t, store, index, "call-1", "act-1")

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Newchannel", "ActionID": "act-1", "Uniqueid": "1234.56",
	}))

	if store.calls["call-1"].ChannelAID != "1234.56" {
		t.Fatalf("expected channel_a_id to be persisted, got %q", store.calls["call-1"].ChannelAID)
	}
	if len(store.saved) != 0 {
		t.Fatalf("expected no Event row for a non-transition Newchannel, got %v", store.saved)
	}
	if _, ok := index.Resolve(packet(map[string]string{"Uniqueid": "1234.56"})); !ok {
		t.Fatalf("expected the Uniqueid to be bound into the correlation index")
	}
}

func TestDispatcherUntrackedEventIgnored(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()

	d := New(store, index)
	// No call bound to this ActionID or Uniqueid: resolve fails, event dropped.
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Hangup", "ActionID": "unknown-action", "Uniqueid": "unknown-uid", "Cause": "16",
	}))

	if len(store.calls) != 0 {
		t.Fatalf("expected no call to be created or mutated for an untracked event")
	}
}

func TestDispatcherReleasesIndexOnFinalState(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	c := newTrackedCall(t, store, index, "call-1", "act-1")
	c.TransitionTo(call.Bridged, nil, "", time.Unix(1000, 0))

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Hangup", "ActionID": "act-1", "Cause": "0",
	}))

	if _, ok := index.Resolve(packet(map[string]string{"ActionID": "act-1"})); ok {
		t.Fatalf("expected the correlation index to release call-1's ActionID once final")
	}
}

func TestDispatcherIgnoresEventsOnFinalCall(t *testing.T) {
	store := newFakeStore()
	index := NewIndex()
	c := newTrackedCall(t, store, index, "call-1", "act-1")
	c.TransitionTo(call.FailedSystem, nil, "already done", time.Unix(1000, 0))
	index.BindActionID("act-1", "call-1") // simulate late-arriving event before release

	d := New(store, index)
	d.handle(context.Background(), packet(map[string]string{
		"Event": "Hangup", "ActionID": "act-1", "Cause": "16",
	}))

	if store.calls["call-1"].State() != call.FailedSystem {
		t.Fatalf("expected a final call to be left untouched, got %q", store.calls["call-1"].State())
	}
}
