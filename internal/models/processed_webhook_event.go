package models

import "time"

// ProcessedWebhookEvent is one row of the idempotency ledger. Rows are
// inserted exactly once and never updated or deleted; the ledger is the
// only authority on whether an event has been applied.
type ProcessedWebhookEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	SessionID   string    `json:"session_id"`
	ProcessedAt time.Time `json:"processed_at"`
}
