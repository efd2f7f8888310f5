// Package orchestrator implements the two entry points that drive a
// masked-call request: Create (build an Order) and Execute (attach a Call,
// issue Originate, advance both machines on the synchronous response).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maskedcall/internal/ami"
	"maskedcall/internal/apierr"
	"maskedcall/internal/call"
	"maskedcall/internal/dispatcher"
	"maskedcall/internal/order"
)

// classifyOriginateError maps the ami package's prefixed error strings
// (ACTION_TIMEOUT:, AUTH_FAILED:, TRANSPORT:) back to an apierr.Kind so the
// Call lands in the failure state matching that origin.
func classifyOriginateError(err error) apierr.Kind {
	switch {
	case strings.Contains(err.Error(), "ACTION_TIMEOUT"):
		return apierr.ActionTimeout
	case strings.Contains(err.Error(), "AUTH_FAILED"):
		return apierr.AuthFailed
	default:
		return apierr.Transport
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	From      string
	To        string
	UserToken string
	Trunk     string
}

// Store is the subset of internal/store's persistence surface the
// orchestrator and sweeper need. *store.Store satisfies it structurally;
// tests substitute a hand-rolled in-memory fake.
type Store interface {
	CreateOrder(ctx context.Context, o *order.Aggregate, eventType string) error
	SaveOrderTransition(ctx context.Context, o *order.Aggregate, eventType string) error
	LoadOrder(ctx context.Context, orderID string) (*order.Aggregate, error)
	CreateCall(ctx context.Context, c *call.Aggregate, eventType string) error
	SaveCallTransition(ctx context.Context, c *call.Aggregate, eventType string) error
	LoadCall(ctx context.Context, callID string) (*call.Aggregate, error)
	ListStaleCalls(ctx context.Context, threshold time.Time) ([]string, error)
}

// AMIClient is the subset of ami.Client's surface the orchestrator needs to
// issue the masked-call Originate action.
type AMIClient interface {
	Originate(actionID string, params ami.OriginateParams) (ami.Packet, error)
}

// Orchestrator wires the Store, the AMI client, and the correlation index
// together to drive Order/Call through their machines.
type Orchestrator struct {
	store        Store
	ami          AMIClient
	index        *dispatcher.Index
	defaultTrunk string
}

// New constructs an Orchestrator.
func New(st Store, amiClient AMIClient, index *dispatcher.Index, defaultTrunk string) *Orchestrator {
	return &Orchestrator{store: st, ami: amiClient, index: index, defaultTrunk: defaultTrunk}
}

// Create builds an Order in CREATED, transitions it to PENDING, and
// persists both in one write.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*order.Aggregate, error) {
	trunk := req.Trunk
	if trunk == "" {
		trunk = o.defaultTrunk
	}

	now := time.Now()
	orderID := "ord-" + uuid.NewString()
	ord := order.New(orderID, req.UserToken, req.From, req.To, req.From, trunk, now)

	if !ord.TransitionTo(order.Pending, nil, "", now) {
		return nil, apierr.New(apierr.TransitionInvalid, "could not move new order to pending")
	}

	if err := o.store.CreateOrder(ctx, ord, "order.created"); err != nil {
		return nil, apierr.Wrap(apierr.StoreFailure, "persisting order", err)
	}

	return ord, nil
}

// Execute loads the Order, attaches a Call, issues Originate, and advances
// both machines on the synchronous AMI response.
func (o *Orchestrator) Execute(ctx context.Context, orderID string) (*order.Aggregate, *call.Aggregate, error) {
	ord, err := o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.NotFound, "order not found", err)
	}
	if ord.IsFinal() {
		return nil, nil, apierr.New(apierr.Conflict, "order is already in a final state")
	}

	now := time.Now()
	if !ord.TransitionTo(order.Processing, nil, "", now) {
		return nil, nil, apierr.New(apierr.Conflict, "order cannot move to processing")
	}
	if err := o.store.SaveOrderTransition(ctx, ord, "order.processing"); err != nil {
		return nil, nil, apierr.Wrap(apierr.StoreFailure, "persisting order", err)
	}

	callID := "call-" + uuid.NewString()
	c := call.New(callID, ord.OrderID, ord.NumberA, ord.NumberB, ord.CallerID, ord.TrunkName, now)

	if !ord.SetCallID(callID) {
		return o.failOrder(ctx, ord, "order already references a different call")
	}
	if !ord.TransitionTo(order.Initiated, nil, "", now) {
		return o.failOrder(ctx, ord, "order cannot move to initiated")
	}
	if !c.TransitionTo(call.CallingA, nil, "", now) {
		return o.failOrder(ctx, ord, "call cannot move to calling_a")
	}

	if err := o.store.SaveOrderTransition(ctx, ord, "order.initiated"); err != nil {
		return nil, nil, apierr.Wrap(apierr.StoreFailure, "persisting order", err)
	}
	if err := o.store.CreateCall(ctx, c, "call.calling_a"); err != nil {
		return nil, nil, apierr.Wrap(apierr.StoreFailure, "persisting call", err)
	}

	actionID := ami.NewActionID()
	o.index.BindActionID(actionID, c.CallID)

	resp, err := o.originate(actionID, ord, c)
	if err != nil {
		o.index.Release(c.CallID)
		// A transport drop or an unanswered ActionID is a system-side
		// failure, not a PBX rejection of the dial attempt itself.
		return o.failBoth(ctx, ord, c, call.FailedSystem, classifyOriginateError(err), err.Error())
	}

	if resp.Get("Response") != "Success" {
		message := resp.Get("Message")
		if message == "" {
			message = "PBX rejected the Originate action"
		}
		o.index.Release(c.CallID)
		return o.failBoth(ctx, ord, c, call.FailedA, apierr.ActionRejected, message)
	}

	now = time.Now()
	if !c.TransitionTo(call.Bridged, nil, "", now) {
		return o.failBoth(ctx, ord, c, call.FailedSystem, apierr.Transport, "call could not move to bridged")
	}
	if !ord.TransitionTo(order.Verified, nil, "", now) {
		return o.failBoth(ctx, ord, c, call.FailedSystem, apierr.Transport, "order could not move to verified")
	}

	if err := o.store.SaveCallTransition(ctx, c, "call.bridged"); err != nil {
		return nil, nil, apierr.Wrap(apierr.StoreFailure, "persisting call", err)
	}
	if err := o.store.SaveOrderTransition(ctx, ord, "order.verified"); err != nil {
		return nil, nil, apierr.Wrap(apierr.StoreFailure, "persisting order", err)
	}

	return ord, c, nil
}

// originate issues the masked-call Originate action under actionID, which
// the caller has already bound into the correlation index so that any
// asynchronous OriginateResponse/Hangup event can be demultiplexed even if
// it arrives before this call returns.
func (o *Orchestrator) originate(actionID string, ord *order.Aggregate, c *call.Aggregate) (ami.Packet, error) {
	userToken := ord.UserToken
	if userToken == "" {
		userToken = ord.OrderID
	}

	params := ami.OriginateParams{
		Channel:   fmt.Sprintf("SIP/%s/%s", ord.TrunkName, ord.NumberA),
		Context:   "securebridge-control",
		Extension: "s",
		Priority:  1,
		CallerID:  ord.NumberA,
		Timeout:   30000,
		Async:     true,
		Variables: map[string]string{
			"ARG1":       ord.NumberA,
			"ARG2":       ord.NumberB,
			"USER_TOKEN": userToken,
		},
	}

	return o.ami.Originate(actionID, params)
}

// failOrder and failBoth return the failed aggregates alongside the error
// so the HTTP layer can include the resulting state in the error body.
func (o *Orchestrator) failOrder(ctx context.Context, ord *order.Aggregate, message string) (*order.Aggregate, *call.Aggregate, error) {
	ord.TransitionTo(order.Failed, nil, message, time.Now())
	o.store.SaveOrderTransition(ctx, ord, "order.failed")
	return ord, nil, apierr.New(apierr.TransitionInvalid, message)
}

func (o *Orchestrator) failBoth(ctx context.Context, ord *order.Aggregate, c *call.Aggregate, callState call.State, kind apierr.Kind, message string) (*order.Aggregate, *call.Aggregate, error) {
	now := time.Now()
	c.TransitionTo(callState, nil, message, now)
	ord.TransitionTo(order.Failed, nil, message, now)

	o.store.SaveCallTransition(ctx, c, "call.failed")
	o.store.SaveOrderTransition(ctx, ord, "order.failed")

	return ord, c, apierr.New(kind, message)
}
