package pgingest

import (
	"context"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) CreateSubscription(ctx context.Context, sub *models.TrackingSubscription) (uint64, error) {
	now := time.Now().UTC()

	var statuses []string
	for _, st := range sub.Statuses {
		statuses = append(statuses, string(st))
	}

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_subscriptions (
  shipment_id, channel, destination, statuses, active, created_at, updated_at
)
VALUES ($1,$2,$3,$4,TRUE,$5,$5)
RETURNING id
`, sub.ShipmentID, string(sub.Channel), sub.Destination, statuses, now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert subscription")
	}
	return id, nil
}

// DeactivateSubscription — отписка. Строка остаётся, active=false.
func (s *Storage) DeactivateSubscription(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_subscriptions SET active = FALSE, updated_at = now() WHERE id = $1
`, id)
	return errors.Wrap(err, "deactivate subscription")
}

func (s *Storage) ListActiveSubscriptions(ctx context.Context, shipmentID uint64) ([]*models.TrackingSubscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, channel, destination, statuses, active,
  notify_count, last_notified_at, created_at, updated_at
FROM tracking_subscriptions
WHERE shipment_id = $1 AND active
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select subscriptions")
	}
	defer rows.Close()

	var out []*models.TrackingSubscription
	for rows.Next() {
		var sub models.TrackingSubscription
		var channel string
		var statuses []string
		if err := rows.Scan(
			&sub.ID, &sub.ShipmentID, &channel, &sub.Destination, &statuses, &sub.Active,
			&sub.NotifyCount, &sub.LastNotifiedAt, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		sub.Channel = models.SubscriptionChannel(channel)
		for _, st := range statuses {
			sub.Statuses = append(sub.Statuses, models.ParseUnifiedStatus(st))
		}
		out = append(out, &sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) MarkSubscriptionNotified(ctx context.Context, id uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_subscriptions
SET notify_count = notify_count + 1, last_notified_at = $2, updated_at = now()
WHERE id = $1
`, id, at.UTC())
	return errors.Wrap(err, "mark subscription notified")
}
