package pgingest

import (
	"context"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, carrier_code, tracking_number,
  tracking_status, status_terminal, tracking_updated_at,
  next_poll_at, poll_fail_count, last_poll_error,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var status string
	if err := row.Scan(
		&sh.ID, &sh.CarrierCode, &sh.TrackingNumber,
		&status, &sh.StatusTerminal, &sh.TrackingUpdatedAt,
		&sh.NextPollAt, &sh.PollFailCount, &sh.LastPollError,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.TrackingStatus = models.ParseUnifiedStatus(status)
	return &sh, nil
}

func (s *Storage) CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]*models.Shipment, 0, len(items))
	for _, it := range items {
		row := tx.QueryRow(ctx, `
INSERT INTO shipments (
  carrier_code, tracking_number, tracking_status, next_poll_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (tracking_number)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING `+shipmentColumns, it.CarrierCode, it.TrackingNumber, string(models.StatusUnknown), now, now)
		sh, err := scanShipment(row)
		if err != nil {
			return nil, errors.Wrap(err, "insert shipment")
		}
		out = append(out, sh)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// GetShipmentByTrackingNumber возвращает (nil, nil) для неизвестного номера:
// неизвестный трек — не ошибка, вызывающий просто пропускает события.
func (s *Storage) GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE tracking_number = $1`, trackingNumber)
	sh, err := scanShipment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

func (s *Storage) SearchShipmentsByStatus(ctx context.Context, status models.UnifiedStatus, limit, offset int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE tracking_status = $1
ORDER BY tracking_updated_at DESC NULLS LAST
LIMIT $2 OFFSET $3
`, string(status), limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "search shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimDuePollShipments выбирает пачку отправлений, готовых к опросу, и
// "бронирует" их lease-ом, чтобы параллельные воркеры не взяли те же строки.
// SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDuePollShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_poll_at <= $1
  AND NOT status_terminal
ORDER BY next_poll_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET next_poll_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextPollAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ApplyPollSchedule фиксирует исход одного опроса: на успехе сбрасывает
// счётчик фейлов, на ошибке инкрементит его и пишет last_poll_error.
// Сами события идут отдельно, через AcceptEvent.
func (s *Storage) ApplyPollSchedule(ctx context.Context, trackingNumber string, checkedAt, nextPollAt time.Time, pollErr *string) error {
	if pollErr != nil && *pollErr != "" {
		_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  poll_fail_count = poll_fail_count + 1,
  last_poll_error = $2,
  next_poll_at = $3,
  updated_at = now()
WHERE tracking_number = $1
`, trackingNumber, *pollErr, nextPollAt.UTC())
		return errors.Wrap(err, "update shipment (poll error)")
	}

	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  poll_fail_count = 0,
  last_poll_error = NULL,
  next_poll_at = $2,
  updated_at = now()
WHERE tracking_number = $1
`, trackingNumber, nextPollAt.UTC())
	return errors.Wrap(err, "update shipment (poll ok)")
}

type StatusCount struct {
	Status models.UnifiedStatus `json:"status"`
	Count  int64                `json:"count"`
}

func (s *Storage) CountShipmentsByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.Query(ctx, `
SELECT tracking_status, COUNT(*)
FROM shipments
GROUP BY tracking_status
ORDER BY tracking_status
`)
	if err != nil {
		return nil, errors.Wrap(err, "count shipments by status")
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		var status string
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		c.Status = models.ParseUnifiedStatus(status)
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
