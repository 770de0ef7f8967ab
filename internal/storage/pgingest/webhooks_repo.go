package pgingest

import (
	"context"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// CreateWebhook пишет журнальную запись о входящем вызове со status=received.
func (s *Storage) CreateWebhook(ctx context.Context, w *models.TrackingWebhook) (uint64, error) {
	now := time.Now().UTC()
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_webhooks (
  carrier_code, source_ip, message_id, headers_digest, body, status, received_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
RETURNING id
`, w.CarrierCode, w.SourceIP, w.MessageID, w.HeadersDigest, w.Body, string(models.WebhookReceived), now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert webhook")
	}
	return id, nil
}

func (s *Storage) MarkWebhookValidated(ctx context.Context, id uint64, signatureValid bool) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_webhooks
SET status = $2, signature_valid = $3, updated_at = now()
WHERE id = $1
`, id, string(models.WebhookValidated), signatureValid)
	return errors.Wrap(err, "mark webhook validated")
}

// FinishWebhook — терминальный переход журнала: processed или rejected.
func (s *Storage) FinishWebhook(ctx context.Context, id uint64, status models.WebhookStatus, rejectReason *string, eventsCount int32, duration time.Duration) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_webhooks
SET status = $2, reject_reason = $3, events_count = $4, duration_ms = $5, updated_at = now()
WHERE id = $1
`, id, string(status), rejectReason, eventsCount, duration.Milliseconds())
	return errors.Wrap(err, "finish webhook")
}

func (s *Storage) ListRecentWebhooks(ctx context.Context, limit int) ([]*models.TrackingWebhook, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, carrier_code, source_ip, message_id, headers_digest, body,
  signature_valid, status, reject_reason, events_count, duration_ms,
  received_at, updated_at
FROM tracking_webhooks
ORDER BY received_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select webhooks")
	}
	defer rows.Close()

	var out []*models.TrackingWebhook
	for rows.Next() {
		var w models.TrackingWebhook
		var status string
		if err := rows.Scan(
			&w.ID, &w.CarrierCode, &w.SourceIP, &w.MessageID, &w.HeadersDigest, &w.Body,
			&w.SignatureValid, &status, &w.RejectReason, &w.EventsCount, &w.DurationMS,
			&w.ReceivedAt, &w.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan webhook")
		}
		w.Status = models.WebhookStatus(status)
		out = append(out, &w)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
