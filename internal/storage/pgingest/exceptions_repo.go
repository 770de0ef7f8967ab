package pgingest

import (
	"context"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const exceptionColumns = `
  id, shipment_id, event_id, code, priority, suggested_action, requires_customer_action,
  status, resolution_notes, acknowledged_by,
  opened_at, acknowledged_at, resolved_at, escalated_at`

func scanException(row pgx.Row) (*models.ShipmentException, error) {
	var ex models.ShipmentException
	var code, priority, status string
	if err := row.Scan(
		&ex.ID, &ex.ShipmentID, &ex.EventID, &code, &priority, &ex.SuggestedAction, &ex.RequiresCustomerAction,
		&status, &ex.ResolutionNotes, &ex.AcknowledgedBy,
		&ex.OpenedAt, &ex.AcknowledgedAt, &ex.ResolvedAt, &ex.EscalatedAt,
	); err != nil {
		return nil, err
	}
	ex.Code = models.ExceptionCode(code)
	ex.Priority = models.ExceptionPriority(priority)
	ex.Status = models.ExceptionStatus(status)
	return &ex, nil
}

func (s *Storage) CreateException(ctx context.Context, ex *models.ShipmentException) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO shipment_exceptions (
  shipment_id, event_id, code, priority, suggested_action, requires_customer_action, status, opened_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id
`, ex.ShipmentID, ex.EventID, string(ex.Code), string(ex.Priority), ex.SuggestedAction,
		ex.RequiresCustomerAction, string(ex.Status), ex.OpenedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert exception")
	}
	return id, nil
}

func (s *Storage) GetExceptionByID(ctx context.Context, id uint64) (*models.ShipmentException, error) {
	ex, err := scanException(s.db.QueryRow(ctx, `SELECT`+exceptionColumns+` FROM shipment_exceptions WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select exception")
	}
	return ex, nil
}

// GetUnresolvedException ищет открытую/взятую в работу проблему по
// (shipment, code): классификатор не плодит дубликаты при каждом событии.
func (s *Storage) GetUnresolvedException(ctx context.Context, shipmentID uint64, code models.ExceptionCode) (*models.ShipmentException, error) {
	ex, err := scanException(s.db.QueryRow(ctx, `
SELECT`+exceptionColumns+`
FROM shipment_exceptions
WHERE shipment_id = $1 AND code = $2 AND status IN ('open','acknowledged','escalated')
ORDER BY opened_at DESC
LIMIT 1
`, shipmentID, string(code)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select unresolved exception")
	}
	return ex, nil
}

func (s *Storage) ListExceptionsByShipment(ctx context.Context, shipmentID uint64) ([]*models.ShipmentException, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+exceptionColumns+`
FROM shipment_exceptions
WHERE shipment_id = $1
ORDER BY opened_at DESC
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select exceptions")
	}
	defer rows.Close()

	var out []*models.ShipmentException
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan exception")
		}
		out = append(out, ex)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateException перезаписывает изменяемую часть записи (статус, приоритет,
// заметки, таймстемпы переходов). Валидация перехода — на сервисном слое.
func (s *Storage) UpdateException(ctx context.Context, ex *models.ShipmentException) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipment_exceptions
SET
  priority = $2,
  status = $3,
  resolution_notes = $4,
  acknowledged_by = $5,
  acknowledged_at = $6,
  resolved_at = $7,
  escalated_at = $8
WHERE id = $1
`, ex.ID, string(ex.Priority), string(ex.Status), ex.ResolutionNotes, ex.AcknowledgedBy,
		ex.AcknowledgedAt, ex.ResolvedAt, ex.EscalatedAt)
	return errors.Wrap(err, "update exception")
}

type ExceptionCount struct {
	Code     models.ExceptionCode     `json:"code"`
	Priority models.ExceptionPriority `json:"priority"`
	Count    int64                    `json:"count"`
}

func (s *Storage) CountOpenExceptions(ctx context.Context) ([]ExceptionCount, error) {
	rows, err := s.db.Query(ctx, `
SELECT code, priority, COUNT(*)
FROM shipment_exceptions
WHERE status IN ('open','acknowledged','escalated')
GROUP BY code, priority
ORDER BY code, priority
`)
	if err != nil {
		return nil, errors.Wrap(err, "count open exceptions")
	}
	defer rows.Close()

	var out []ExceptionCount
	for rows.Next() {
		var c ExceptionCount
		var code, priority string
		if err := rows.Scan(&code, &priority, &c.Count); err != nil {
			return nil, errors.Wrap(err, "scan exception count")
		}
		c.Code = models.ExceptionCode(code)
		c.Priority = models.ExceptionPriority(priority)
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
