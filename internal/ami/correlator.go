package ami

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator assigns a fresh ActionID to each outbound action, registers a
// one-shot waiter, and routes the matching response packet back with a
// bounded timeout. Shared by every caller of Client.SendAction.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Packet
	timeout time.Duration
}

func newCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Correlator{
		pending: make(map[string]chan Packet),
		timeout: timeout,
	}
}

// NewActionID generates a fresh ActionID for an outbound action.
func NewActionID() string {
	return "act-" + uuid.NewString()
}

// deliver routes a response packet to its waiter, or logs and drops it if
// the ActionID is unknown (already timed out, or never registered).
func (c *Correlator) deliver(p Packet) {
	actionID := p.Get("ActionID")
	if actionID == "" {
		log.Printf("[AMI] response packet without ActionID, dropping")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[actionID]
	if ok {
		delete(c.pending, actionID)
	}
	c.mu.Unlock()

	if !ok {
		log.Printf("[AMI] response for unknown ActionID %s, dropping", actionID)
		return
	}

	ch <- p
}

func (c *Correlator) register(actionID string) chan Packet {
	ch := make(chan Packet, 1)
	c.mu.Lock()
	c.pending[actionID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Correlator) forget(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

// SendAction injects a fresh ActionID into action, sends it, and blocks for
// the matching response up to the configured action timeout. action must be
// the Key: Value body without the trailing blank-line terminator or
// ActionID header; both are added here.
func (c *Client) SendAction(action string) (Packet, error) {
	return c.SendActionWithID(NewActionID(), action)
}

// SendActionWithID is SendAction with a caller-supplied ActionID. Callers
// that need to correlate asynchronous events arriving before the response
// does (e.g. binding the ActionID into a lookup index) should generate the
// ID first and pass it here, rather than letting SendAction mint one after
// the fact.
func (c *Client) SendActionWithID(actionID, action string) (Packet, error) {
	framed := action + fmt.Sprintf("ActionID: %s\r\n\r\n", actionID)

	respCh := c.correlator.register(actionID)

	if err := c.send(framed); err != nil {
		c.correlator.forget(actionID)
		return Packet{}, fmt.Errorf("TRANSPORT: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(c.correlator.timeout):
		c.correlator.forget(actionID)
		return Packet{}, fmt.Errorf("ACTION_TIMEOUT: no response within %s", c.correlator.timeout)
	}
}
