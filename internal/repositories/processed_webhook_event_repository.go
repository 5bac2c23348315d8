package repositories

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/populist/attestation-service/internal/models"
)

// ProcessedWebhookEventRepository is the idempotency ledger. Rows are
// written once and never touched again.
type ProcessedWebhookEventRepository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records an event as applied. Returns false when the
	// row was already there (a concurrent delivery got in first).
	MarkProcessed(ctx context.Context, ev *models.ProcessedWebhookEvent) (bool, error)
}

type processedWebhookEventRepo struct {
	db DB
}

func NewProcessedWebhookEventRepository(db DB) ProcessedWebhookEventRepository {
	return &processedWebhookEventRepo{db: db}
}

func (r *processedWebhookEventRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	q := `
SELECT 1
FROM processed_webhook_events
WHERE event_id=$1
`
	var one int
	err := r.db.QueryRow(ctx, q, eventID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *processedWebhookEventRepo) MarkProcessed(ctx context.Context, ev *models.ProcessedWebhookEvent) (bool, error) {
	q := `
INSERT INTO processed_webhook_events (event_id, event_type, session_id, processed_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (event_id) DO NOTHING
`
	tag, err := r.db.Exec(ctx, q, ev.EventID, ev.EventType, ev.SessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
