// Package dispatcher implements the Event Demultiplexer: it consumes the
// AMI event channel, resolves each event to a logical Call via a
// correlation index, and applies the matching transition through the
// Store.
package dispatcher

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"maskedcall/internal/ami"
	"maskedcall/internal/call"
)

func now() time.Time { return time.Now() }

// Index maps AMI correlation keys (ActionID, Uniqueid) to a call_id. Channel
// names are not indexed, so an event carrying only a Channel is not resolved.
type Index struct {
	mu         sync.RWMutex
	byActionID map[string]string // ActionID -> call_id
	byUniqueid map[string]string // Uniqueid -> call_id
}

// NewIndex constructs an empty correlation index.
func NewIndex() *Index {
	return &Index{
		byActionID: make(map[string]string),
		byUniqueid: make(map[string]string),
	}
}

// BindActionID records that actionID belongs to callID, prior to issuing the
// Originate action that carries it.
func (i *Index) BindActionID(actionID, callID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byActionID[actionID] = callID
}

// BindUniqueid records that an Asterisk Uniqueid (channel A) belongs to
// callID, once the first Newchannel event ties the two together.
func (i *Index) BindUniqueid(uniqueid, callID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byUniqueid[uniqueid] = callID
}

// Resolve extracts correlation keys in priority order (ActionID, then
// Uniqueid) and returns the matching call_id.
func (i *Index) Resolve(p ami.Packet) (callID string, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if actionID := p.Get("ActionID"); actionID != "" {
		if id, found := i.byActionID[actionID]; found {
			return id, true
		}
	}
	if uid := p.Get("Uniqueid"); uid != "" {
		if id, found := i.byUniqueid[uid]; found {
			return id, true
		}
	}
	return "", false
}

// Release drops every key pointing at callID, called once the Call reaches
// a final state.
func (i *Index) Release(callID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, v := range i.byActionID {
		if v == callID {
			delete(i.byActionID, k)
		}
	}
	for k, v := range i.byUniqueid {
		if v == callID {
			delete(i.byUniqueid, k)
		}
	}
}

// Store is the subset of the persistence layer the dispatcher needs:
// load-mutate-save of a single Call aggregate plus Event appends.
type Store interface {
	LoadCall(ctx context.Context, callID string) (*call.Aggregate, error)
	SaveCallTransition(ctx context.Context, c *call.Aggregate, eventType string) error
	SaveCall(ctx context.Context, c *call.Aggregate) error
}

// Dispatcher drains one AMI event channel and applies transitions.
type Dispatcher struct {
	store Store
	index *Index
	done  chan struct{}
}

// New constructs a Dispatcher bound to store and index.
func New(store Store, index *Index) *Dispatcher {
	return &Dispatcher{store: store, index: index, done: make(chan struct{})}
}

// Run drains events until the channel closes or ctx is cancelled. It is
// the single event-dispatcher worker for the whole process.
func (d *Dispatcher) Run(ctx context.Context, events <-chan ami.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			d.handle(ctx, p)
		}
	}
}

// Stop ends Run on its next iteration.
func (d *Dispatcher) Stop() { close(d.done) }

func (d *Dispatcher) handle(ctx context.Context, p ami.Packet) {
	eventType := p.Get("Event")
	if eventType == "" {
		return
	}

	callID, ok := d.index.Resolve(p)
	if !ok {
		// Newchannel on an untracked Uniqueid cannot be resolved yet; only
		// events pertaining to tracked entities are processed.
		return
	}

	c, err := d.store.LoadCall(ctx, callID)
	if err != nil {
		log.Printf("[Dispatcher] loading call %s: %v", callID, err)
		return
	}
	if c.IsFinal() {
		return
	}

	prevState := c.State()

	switch eventType {
	case "Newchannel":
		d.handleNewchannel(c, p)
	case "Newstate":
		d.handleNewstate(c, p)
	case "Ringing":
		d.applyRinging(c)
	case "Answer":
		d.applyAnswered(c)
	case "BridgeEnter":
		d.handleBridgeEnter(c)
	case "Hangup":
		d.handleHangup(c, p)
	case "OriginateResponse":
		d.handleOriginateResponse(c, p)
	default:
		return
	}

	// Newchannel (and a same-cause-no-op) can bind a channel id without
	// advancing the state; only a real transition gets an Event row, but the
	// channel-id binding itself still needs to survive the next LoadCall.
	if c.State() == prevState {
		if err := d.store.SaveCall(ctx, c); err != nil {
			log.Printf("[Dispatcher] saving call %s: %v", callID, err)
		}
		return
	}

	eventName := eventNameFor(eventType, c.State())
	if err := d.store.SaveCallTransition(ctx, c, eventName); err != nil {
		log.Printf("[Dispatcher] saving call %s: %v", callID, err)
		return
	}
	if c.IsFinal() {
		d.index.Release(callID)
	}
}

func (d *Dispatcher) handleNewchannel(c *call.Aggregate, p ami.Packet) {
	uniqueid := p.Get("Uniqueid")
	if uniqueid == "" {
		return
	}
	if c.State() == call.CallingA {
		c.SetChannelAID(uniqueid)
		d.index.BindUniqueid(uniqueid, c.CallID)
	} else if c.State() == call.CallingB {
		c.SetChannelBID(uniqueid)
	}
}

func (d *Dispatcher) handleNewstate(c *call.Aggregate, p ami.Packet) {
	switch p.Get("ChannelState") {
	case "4":
		d.applyRinging(c)
	case "5":
		d.applyAnswered(c)
	}
}

func (d *Dispatcher) applyRinging(c *call.Aggregate) {
	switch c.State() {
	case call.CallingA:
		c.TransitionTo(call.RingingA, nil, "", now())
	case call.CallingB:
		c.TransitionTo(call.RingingB, nil, "", now())
	}
}

func (d *Dispatcher) applyAnswered(c *call.Aggregate) {
	switch c.State() {
	case call.CallingA, call.RingingA:
		c.TransitionTo(call.ConnectedA, nil, "", now())
	case call.CallingB, call.RingingB:
		c.TransitionTo(call.ConnectedB, nil, "", now())
	}
}

func (d *Dispatcher) handleBridgeEnter(c *call.Aggregate) {
	c.TransitionTo(call.Bridged, nil, "", now())
}

// handleHangup maps the Q.931 cause code to the binary outcome the Call
// machine models: normal clearing completes the call, any other cause
// fails leg B if the Call is in a leg-B state and leg A otherwise. The
// transition table allows these failures only from CALLING_*/RINGING_*;
// from CONNECTED_A, CONNECTED_B or BRIDGED the Call is left unchanged.
func (d *Dispatcher) handleHangup(c *call.Aggregate, p ami.Packet) {
	cause, _ := strconv.Atoi(p.Get("Cause"))
	causeText := p.Get("Cause-txt")

	if cause == 0 || cause == 16 {
		c.TransitionTo(call.Completed, map[string]any{"cause": cause}, "", now())
		return
	}

	target := call.FailedA
	switch c.State() {
	case call.CallingB, call.RingingB, call.ConnectedB:
		target = call.FailedB
	}
	c.TransitionTo(target, map[string]any{"cause": cause}, causeText, now())
}

func (d *Dispatcher) handleOriginateResponse(c *call.Aggregate, p ami.Packet) {
	if strings.EqualFold(p.Get("Response"), "Success") {
		return
	}
	reason := p.Get("Reason")
	message := p.Get("Reason-txt")
	if message == "" {
		message = "originate failed: reason=" + reason
	}
	c.TransitionTo(call.FailedA, map[string]any{"reason": reason}, message, now())
}

func eventNameFor(amiEvent string, s call.State) string {
	return "call." + string(s)
}
