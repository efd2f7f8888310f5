package httpapi

import (
	"maskedcall/internal/call"
	"maskedcall/internal/order"
)

// orderSnapshot renders an Order (and optionally its Call) as the response
// body for create/execute.
func orderSnapshot(o *order.Aggregate, c *call.Aggregate) map[string]any {
	snap := orderSnapshotMap(o)
	if c != nil {
		snap["call"] = callSnapshot(c)
	}
	return snap
}

func orderSnapshotMap(o *order.Aggregate) map[string]any {
	snap := map[string]any{
		"order_id":         o.OrderID,
		"state":            string(o.State()),
		"user_token":       o.UserToken,
		"number_a":         o.NumberA,
		"number_b":         o.NumberB,
		"caller_id":        o.CallerID,
		"trunk_name":       o.TrunkName,
		"metadata":         o.Metadata,
		"state_history":    o.History(),
		"state_timestamps": o.Timestamps(),
		"is_final":         o.IsFinal(),
		"created_at":       o.CreatedAt,
		"updated_at":       o.UpdatedAt,
	}
	if o.CallID != "" {
		snap["call_id"] = o.CallID
	}
	if o.CompletedAt != nil {
		snap["completed_at"] = o.CompletedAt
	}
	if o.FailedAt != nil {
		snap["failed_at"] = o.FailedAt
	}
	if o.CancelledAt != nil {
		snap["cancelled_at"] = o.CancelledAt
	}
	if len(o.ErrorLog()) > 0 {
		snap["error_log"] = o.ErrorLog()
	}
	return snap
}

func callSnapshot(c *call.Aggregate) map[string]any {
	snap := map[string]any{
		"call_id":          c.CallID,
		"order_id":         c.OrderID,
		"state":            string(c.State()),
		"number_a":         c.NumberA,
		"number_b":         c.NumberB,
		"caller_id":        c.CallerID,
		"trunk_name":       c.TrunkName,
		"metadata":         c.Metadata,
		"state_history":    c.History(),
		"state_timestamps": c.Timestamps(),
		"is_final":         c.IsFinal(),
		"created_at":       c.CreatedAt,
		"updated_at":       c.UpdatedAt,
	}
	if c.ChannelAID != "" {
		snap["channel_a_id"] = c.ChannelAID
	}
	if c.ChannelBID != "" {
		snap["channel_b_id"] = c.ChannelBID
	}
	if c.StartedAt != nil {
		snap["started_at"] = c.StartedAt
	}
	if c.AnsweredAt != nil {
		snap["answered_at"] = c.AnsweredAt
	}
	if c.BridgedAt != nil {
		snap["bridged_at"] = c.BridgedAt
	}
	if c.CompletedAt != nil {
		snap["completed_at"] = c.CompletedAt
	}
	if c.FailedAt != nil {
		snap["failed_at"] = c.FailedAt
	}
	if duration, ok := c.DurationSeconds(); ok {
		snap["duration_seconds"] = duration
	}
	if len(c.ErrorLog()) > 0 {
		snap["error_log"] = c.ErrorLog()
	}
	return snap
}
