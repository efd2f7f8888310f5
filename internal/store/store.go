package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"maskedcall/internal/call"
	"maskedcall/internal/machine"
	"maskedcall/internal/order"
)

// Event is one append-only row of the event log.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OrderID       string         `json:"order_id,omitempty"`
	CallID        string         `json:"call_id,omitempty"`
	State         string         `json:"state"`
	PreviousState string         `json:"previous_state,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Processed     bool           `json:"processed"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Publisher receives every Event row as it is durably appended, so that
// internal/eventbus can push it to live WebSocket subscribers without the
// Store depending on the HTTP layer.
type Publisher interface {
	Publish(e Event)
}

// Store is the sole writer of Order, Call, and Event rows. Every state
// transition updates the aggregate row and appends the matching Event row
// in one transaction.
type Store struct {
	conn      *Connection
	publisher Publisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Store over an open Connection.
func New(conn *Connection) *Store {
	return &Store{conn: conn, locks: make(map[string]*sync.Mutex)}
}

// SetPublisher wires a live-event subscriber; nil (the default) disables
// publishing. A client that never connects to the event feed observes no
// difference in REST behaviour.
func (s *Store) SetPublisher(p Publisher) { s.publisher = p }

// lockFor returns the per-entity mutex serialising writes to id, so
// concurrent callers transitioning the same order_id/call_id never race.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// CreateOrder persists a brand-new Order aggregate and its creation event
// atomically.
func (s *Store) CreateOrder(ctx context.Context, o *order.Aggregate, eventType string) error {
	lock := s.lockFor(o.OrderID)
	lock.Lock()
	defer lock.Unlock()

	event := eventFromOrder(o, eventType)
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertOrder(ctx, tx, o); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, event)
	}); err != nil {
		return err
	}
	s.publish(event)
	return nil
}

// SaveOrderTransition persists an already-transitioned Order aggregate and
// appends the matching Event row in one atomic write.
func (s *Store) SaveOrderTransition(ctx context.Context, o *order.Aggregate, eventType string) error {
	lock := s.lockFor(o.OrderID)
	lock.Lock()
	defer lock.Unlock()

	event := eventFromOrder(o, eventType)
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateOrder(ctx, tx, o); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, event)
	}); err != nil {
		return err
	}
	s.publish(event)
	return nil
}

// CreateCall persists a brand-new Call aggregate and its creation event.
func (s *Store) CreateCall(ctx context.Context, c *call.Aggregate, eventType string) error {
	lock := s.lockFor(c.CallID)
	lock.Lock()
	defer lock.Unlock()

	event := eventFromCall(c, eventType)
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertCall(ctx, tx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, event)
	}); err != nil {
		return err
	}
	s.publish(event)
	return nil
}

// SaveCallTransition persists a transitioned Call aggregate and its event.
func (s *Store) SaveCallTransition(ctx context.Context, c *call.Aggregate, eventType string) error {
	lock := s.lockFor(c.CallID)
	lock.Lock()
	defer lock.Unlock()

	event := eventFromCall(c, eventType)
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateCall(ctx, tx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, event)
	}); err != nil {
		return err
	}
	s.publish(event)
	return nil
}

// SaveCall persists field updates (e.g. a newly-bound channel id) that are
// not themselves a state transition, so no Event row is appended; the
// invariant that every Event matches an actual transition would otherwise
// be broken by a no-op "transition to the same state".
func (s *Store) SaveCall(ctx context.Context, c *call.Aggregate) error {
	lock := s.lockFor(c.CallID)
	lock.Lock()
	defer lock.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateCall(ctx, tx, c)
	})
}

func (s *Store) publish(e Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("STORE_FAILURE: committing transaction: %w", err)
	}
	return nil
}

func (s *Store) insertOrder(ctx context.Context, tx *sql.Tx, o *order.Aggregate) error {
	history, err := marshalJSON(o.History())
	if err != nil {
		return err
	}
	timestamps, err := marshalJSON(o.Timestamps())
	if err != nil {
		return err
	}
	errorLog, err := marshalJSON(o.ErrorLog())
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(o.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_token, number_a, number_b, caller_id, trunk_name,
			call_id, state, state_history, state_timestamps, error_log, metadata,
			created_at, updated_at, completed_at, failed_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, o.UserToken, o.NumberA, o.NumberB, o.CallerID, o.TrunkName,
		o.CallID, string(o.State()), history, timestamps, errorLog, metadata,
		o.CreatedAt, o.UpdatedAt, o.CompletedAt, o.FailedAt, o.CancelledAt)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: inserting order: %w", err)
	}
	return nil
}

func (s *Store) updateOrder(ctx context.Context, tx *sql.Tx, o *order.Aggregate) error {
	history, err := marshalJSON(o.History())
	if err != nil {
		return err
	}
	timestamps, err := marshalJSON(o.Timestamps())
	if err != nil {
		return err
	}
	errorLog, err := marshalJSON(o.ErrorLog())
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(o.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET call_id = NULLIF(?, ''), state = ?, state_history = ?,
			state_timestamps = ?, error_log = ?, metadata = ?, updated_at = ?,
			completed_at = ?, failed_at = ?, cancelled_at = ?
		WHERE order_id = ?
	`, o.CallID, string(o.State()), history, timestamps, errorLog, metadata, o.UpdatedAt,
		o.CompletedAt, o.FailedAt, o.CancelledAt, o.OrderID)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: updating order: %w", err)
	}
	return nil
}

func (s *Store) insertCall(ctx context.Context, tx *sql.Tx, c *call.Aggregate) error {
	history, err := marshalJSON(c.History())
	if err != nil {
		return err
	}
	timestamps, err := marshalJSON(c.Timestamps())
	if err != nil {
		return err
	}
	errorLog, err := marshalJSON(c.ErrorLog())
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls (call_id, order_id, number_a, number_b, caller_id, trunk_name,
			channel_a_id, channel_b_id, action_id, state, state_history, state_timestamps,
			error_log, metadata, created_at, updated_at,
			started_at, answered_at, bridged_at, completed_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CallID, c.OrderID, c.NumberA, c.NumberB, c.CallerID, c.TrunkName,
		c.ChannelAID, c.ChannelBID, c.ActionID, string(c.State()), history, timestamps,
		errorLog, metadata, c.CreatedAt, c.UpdatedAt,
		c.StartedAt, c.AnsweredAt, c.BridgedAt, c.CompletedAt, c.FailedAt)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: inserting call: %w", err)
	}
	return nil
}

func (s *Store) updateCall(ctx context.Context, tx *sql.Tx, c *call.Aggregate) error {
	history, err := marshalJSON(c.History())
	if err != nil {
		return err
	}
	timestamps, err := marshalJSON(c.Timestamps())
	if err != nil {
		return err
	}
	errorLog, err := marshalJSON(c.ErrorLog())
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE calls SET channel_a_id = NULLIF(?, ''), channel_b_id = NULLIF(?, ''),
			action_id = NULLIF(?, ''), state = ?, state_history = ?, state_timestamps = ?,
			error_log = ?, metadata = ?, updated_at = ?,
			started_at = ?, answered_at = ?, bridged_at = ?, completed_at = ?, failed_at = ?
		WHERE call_id = ?
	`, c.ChannelAID, c.ChannelBID, c.ActionID, string(c.State()), history, timestamps,
		errorLog, metadata, c.UpdatedAt,
		c.StartedAt, c.AnsweredAt, c.BridgedAt, c.CompletedAt, c.FailedAt, c.CallID)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: updating call: %w", err)
	}
	return nil
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, e Event) error {
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}

	var orderID, callID any
	if e.OrderID != "" {
		orderID = e.OrderID
	}
	if e.CallID != "" {
		callID = e.CallID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, entity_type, entity_id, order_id, call_id,
			state, previous_state, metadata, error_message, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), FALSE, ?)
	`, e.EventID, e.EventType, e.EntityType, e.EntityID, orderID, callID,
		e.State, e.PreviousState, metadata, e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("STORE_FAILURE: appending event: %w", err)
	}
	return nil
}

func eventFromOrder(o *order.Aggregate, eventType string) Event {
	var previous string
	var errMsg string
	ts := o.Timestamps()
	if len(ts) > 0 {
		previous = ts[len(ts)-1].PreviousState
		errMsg = ts[len(ts)-1].Error
	}
	return Event{
		EventID:       "evt-" + uuid.NewString(),
		EventType:     eventType,
		EntityType:    "order",
		EntityID:      o.OrderID,
		OrderID:       o.OrderID,
		CallID:        o.CallID,
		State:         string(o.State()),
		PreviousState: previous,
		ErrorMessage:  errMsg,
		CreatedAt:     o.UpdatedAt,
	}
}

func eventFromCall(c *call.Aggregate, eventType string) Event {
	var previous string
	var errMsg string
	ts := c.Timestamps()
	if len(ts) > 0 {
		previous = ts[len(ts)-1].PreviousState
		errMsg = ts[len(ts)-1].Error
	}
	return Event{
		EventID:       "evt-" + uuid.NewString(),
		EventType:     eventType,
		EntityType:    "call",
		EntityID:      c.CallID,
		OrderID:       c.OrderID,
		CallID:        c.CallID,
		State:         string(c.State()),
		PreviousState: previous,
		ErrorMessage:  errMsg,
		CreatedAt:     c.UpdatedAt,
	}
}

// LoadOrder rehydrates an Order aggregate by id.
func (s *Store) LoadOrder(ctx context.Context, orderID string) (*order.Aggregate, error) {
	row := s.conn.DB.QueryRowContext(ctx, `
		SELECT order_id, user_token, number_a, number_b, caller_id, trunk_name,
			COALESCE(call_id, ''), state, state_history, state_timestamps, error_log, metadata,
			created_at, updated_at, completed_at, failed_at, cancelled_at
		FROM orders WHERE order_id = ?
	`, orderID)

	var (
		oID, userToken, numberA, numberB, callerID, trunkName, callID, state string
		historyRaw, timestampsRaw, errorLogRaw, metadataRaw                   []byte
		createdAt, updatedAt                                                  time.Time
		completedAt, failedAt, cancelledAt                                    sql.NullTime
	)
	err := row.Scan(&oID, &userToken, &numberA, &numberB, &callerID, &trunkName, &callID,
		&state, &historyRaw, &timestampsRaw, &errorLogRaw, &metadataRaw,
		&createdAt, &updatedAt, &completedAt, &failedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("NOT_FOUND: order %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: loading order: %w", err)
	}

	var history []order.State
	var timestamps []machine.Transition
	var errorLog []machine.ErrorEntry
	var metadata map[string]any
	if err := json.Unmarshal(historyRaw, &history); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding order history: %w", err)
	}
	if err := json.Unmarshal(timestampsRaw, &timestamps); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding order timestamps: %w", err)
	}
	if err := json.Unmarshal(errorLogRaw, &errorLog); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding order error log: %w", err)
	}
	if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding order metadata: %w", err)
	}

	return order.Restore(oID, userToken, numberA, numberB, callerID, trunkName, callID,
		metadata, order.State(state), history, timestamps, errorLog,
		createdAt, updatedAt, nullTimePtr(completedAt), nullTimePtr(failedAt), nullTimePtr(cancelledAt)), nil
}

// LoadCall rehydrates a Call aggregate by id.
func (s *Store) LoadCall(ctx context.Context, callID string) (*call.Aggregate, error) {
	row := s.conn.DB.QueryRowContext(ctx, `
		SELECT call_id, order_id, number_a, number_b, caller_id, trunk_name,
			COALESCE(channel_a_id, ''), COALESCE(channel_b_id, ''), COALESCE(action_id, ''),
			state, state_history, state_timestamps, error_log, metadata, created_at, updated_at,
			started_at, answered_at, bridged_at, completed_at, failed_at
		FROM calls WHERE call_id = ?
	`, callID)

	var (
		cID, orderID, numberA, numberB, callerID, trunkName string
		channelAID, channelBID, actionID, state             string
		historyRaw, timestampsRaw, errorLogRaw, metadataRaw []byte
		createdAt, updatedAt                                time.Time
		startedAt, answeredAt, bridgedAt, completedAt, failedAt sql.NullTime
	)
	err := row.Scan(&cID, &orderID, &numberA, &numberB, &callerID, &trunkName,
		&channelAID, &channelBID, &actionID, &state, &historyRaw, &timestampsRaw,
		&errorLogRaw, &metadataRaw, &createdAt, &updatedAt,
		&startedAt, &answeredAt, &bridgedAt, &completedAt, &failedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("NOT_FOUND: call %s", callID)
	}
	if err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: loading call: %w", err)
	}

	var history []call.State
	var timestamps []machine.Transition
	var errorLog []machine.ErrorEntry
	var metadata map[string]any
	if err := json.Unmarshal(historyRaw, &history); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding call history: %w", err)
	}
	if err := json.Unmarshal(timestampsRaw, &timestamps); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding call timestamps: %w", err)
	}
	if err := json.Unmarshal(errorLogRaw, &errorLog); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding call error log: %w", err)
	}
	if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: decoding call metadata: %w", err)
	}

	return call.Restore(cID, orderID, numberA, numberB, callerID, trunkName,
		channelAID, channelBID, actionID, metadata, call.State(state), history, timestamps,
		errorLog, createdAt, updatedAt,
		nullTimePtr(startedAt), nullTimePtr(answeredAt), nullTimePtr(bridgedAt),
		nullTimePtr(completedAt), nullTimePtr(failedAt)), nil
}

// ListEvents returns every Event row for an order, oldest first.
func (s *Store) ListEvents(ctx context.Context, orderID string) ([]Event, error) {
	rows, err := s.conn.DB.QueryContext(ctx, `
		SELECT event_id, event_type, entity_type, entity_id, COALESCE(order_id, ''),
			COALESCE(call_id, ''), state, COALESCE(previous_state, ''), metadata,
			COALESCE(error_message, ''), processed, created_at
		FROM events WHERE order_id = ? ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var metadataRaw []byte
		if err := rows.Scan(&e.EventID, &e.EventType, &e.EntityType, &e.EntityID, &e.OrderID,
			&e.CallID, &e.State, &e.PreviousState, &metadataRaw, &e.ErrorMessage, &e.Processed,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("STORE_FAILURE: scanning event: %w", err)
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &e.Metadata); err != nil {
				return nil, fmt.Errorf("STORE_FAILURE: decoding event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListStaleCalls returns every non-final Call not updated since threshold,
// used by the sweeper to reclaim stuck Order/Call pairs.
func (s *Store) ListStaleCalls(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.conn.DB.QueryContext(ctx, `
		SELECT call_id FROM calls
		WHERE updated_at < ? AND state NOT IN (?, ?, ?, ?, ?)
	`, threshold, string(call.Completed), string(call.FailedA), string(call.FailedB),
		string(call.FailedSystem), string(call.Cancelled))
	if err != nil {
		return nil, fmt.Errorf("STORE_FAILURE: listing stale calls: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("STORE_FAILURE: scanning stale call: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
