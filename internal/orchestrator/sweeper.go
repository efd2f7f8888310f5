package orchestrator

import (
	"context"
	"log"
	"time"

	"maskedcall/internal/call"
	"maskedcall/internal/order"
)

// Sweeper is a ticker-driven background worker that reclaims Calls (and
// their owning Orders) stuck in a non-final state past a staleness
// threshold, covering the case where the AMI event that would have closed
// the Call out was lost to a socket drop or process restart.
type Sweeper struct {
	store      Store
	interval   time.Duration
	staleAfter time.Duration
	done       chan struct{}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(st Store, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{store: st, interval: interval, staleAfter: staleAfter, done: make(chan struct{})}
}

// Run ticks until ctx is cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop ends Run without waiting for the next tick.
func (s *Sweeper) Stop() { close(s.done) }

func (s *Sweeper) sweep(ctx context.Context) {
	threshold := time.Now().Add(-s.staleAfter)

	staleCallIDs, err := s.store.ListStaleCalls(ctx, threshold)
	if err != nil {
		log.Printf("[Sweeper] listing stale calls: %v", err)
		return
	}

	for _, callID := range staleCallIDs {
		s.reclaim(ctx, callID)
	}
}

func (s *Sweeper) reclaim(ctx context.Context, callID string) {
	c, err := s.store.LoadCall(ctx, callID)
	if err != nil {
		log.Printf("[Sweeper] loading call %s: %v", callID, err)
		return
	}
	if c.IsFinal() {
		return
	}

	now := time.Now()
	if !c.TransitionTo(call.FailedSystem, nil, "reclaimed by sweeper: stale", now) {
		return
	}
	if err := s.store.SaveCallTransition(ctx, c, "call.failed"); err != nil {
		log.Printf("[Sweeper] saving call %s: %v", callID, err)
		return
	}

	ord, err := s.store.LoadOrder(ctx, c.OrderID)
	if err != nil {
		log.Printf("[Sweeper] loading order %s: %v", c.OrderID, err)
		return
	}
	if ord.IsFinal() {
		return
	}
	if !ord.TransitionTo(order.Failed, nil, "reclaimed by sweeper: stale call", now) {
		return
	}
	if err := s.store.SaveOrderTransition(ctx, ord, "order.failed"); err != nil {
		log.Printf("[Sweeper] saving order %s: %v", ord.OrderID, err)
		return
	}

	log.Printf("[Sweeper] reclaimed call %s (order %s)", callID, ord.OrderID)
}
