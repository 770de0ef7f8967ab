package pgingest

import (
	"context"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// AcceptResult — исход попытки принять событие-кандидат.
type AcceptResult struct {
	Accepted bool
	Event    *models.TrackingEvent

	StatusAdvanced bool
	PreviousStatus models.UnifiedStatus
}

// AcceptEvent — атомарный check-then-insert по отправлению:
// строка shipments берётся FOR UPDATE, так что dedup-проверка,
// назначение seq и апдейт проекции сериализованы per-shipment.
// Дубликат по dedup_key — молчаливый no-op (Accepted=false).
func (s *Storage) AcceptEvent(ctx context.Context, ev *models.TrackingEvent) (AcceptResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return AcceptResult{}, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curStatus string
	var curTerminal bool
	err = tx.QueryRow(ctx, `
SELECT tracking_status, status_terminal FROM shipments WHERE id = $1 FOR UPDATE
`, ev.ShipmentID).Scan(&curStatus, &curTerminal)
	if err != nil {
		return AcceptResult{}, errors.Wrap(err, "lock shipment")
	}
	prev := models.ParseUnifiedStatus(curStatus)

	var exists bool
	err = tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM tracking_events WHERE shipment_id = $1 AND dedup_key = $2)
`, ev.ShipmentID, ev.DedupKey).Scan(&exists)
	if err != nil {
		return AcceptResult{}, errors.Wrap(err, "dedup check")
	}
	if exists {
		return AcceptResult{Accepted: false, PreviousStatus: prev}, nil
	}

	// seq следует порядку event_time, а не порядку прихода: событие
	// "задним числом" встаёт в середину, хвост сдвигается на +1.
	// Тай-брейк по dedup_key, чтобы равные таймстемпы были стабильны.
	var before int32
	err = tx.QueryRow(ctx, `
SELECT COUNT(*) FROM tracking_events
WHERE shipment_id = $1
  AND (event_time < $2 OR (event_time = $2 AND dedup_key < $3))
`, ev.ShipmentID, ev.EventTime.UTC(), ev.DedupKey).Scan(&before)
	if err != nil {
		return AcceptResult{}, errors.Wrap(err, "count earlier events")
	}
	seq := before + 1

	_, err = tx.Exec(ctx, `
UPDATE tracking_events SET seq = seq + 1 WHERE shipment_id = $1 AND seq >= $2
`, ev.ShipmentID, seq)
	if err != nil {
		return AcceptResult{}, errors.Wrap(err, "shift sequence")
	}

	stored := *ev
	stored.Seq = seq
	stored.CreatedAt = time.Now().UTC()

	err = tx.QueryRow(ctx, `
INSERT INTO tracking_events (
  shipment_id, seq, carrier_code, status, status_raw, status_code, is_terminal,
  event_time, location_city, location_country, description, signatory,
  dedup_key, source, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
RETURNING id
`, stored.ShipmentID, stored.Seq, stored.CarrierCode, string(stored.Status), stored.StatusRaw,
		stored.StatusCode, stored.Terminal, stored.EventTime.UTC(),
		stored.City, stored.Country, stored.Description, stored.Signatory,
		stored.DedupKey, string(stored.Source), stored.CreatedAt).Scan(&stored.ID)
	if err != nil {
		// Конкурентная вставка того же ключа — дубликат, не ошибка.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return AcceptResult{Accepted: false, PreviousStatus: prev}, nil
		}
		return AcceptResult{}, errors.Wrap(err, "insert tracking event")
	}

	res := AcceptResult{Accepted: true, Event: &stored, PreviousStatus: prev}

	if models.Advances(prev, curTerminal, stored.Status, stored.Terminal) {
		_, err = tx.Exec(ctx, `
UPDATE shipments
SET tracking_status = $2, status_terminal = $3, tracking_updated_at = now(), updated_at = now()
WHERE id = $1
`, stored.ShipmentID, string(stored.Status), stored.Terminal)
		if err != nil {
			return AcceptResult{}, errors.Wrap(err, "advance tracking status")
		}
		res.StatusAdvanced = true
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "40001", "40P01":
				return AcceptResult{}, ErrConflict
			case "23505":
				return AcceptResult{Accepted: false, PreviousStatus: prev}, nil
			}
		}
		return AcceptResult{}, errors.Wrap(err, "commit tx")
	}
	return res, nil
}

func (s *Storage) ListTimeline(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, seq, carrier_code, status, status_raw, status_code, is_terminal,
  event_time, location_city, location_country, description, signatory,
  dedup_key, source, notified_subscribers, notified_store, created_at
FROM tracking_events
WHERE shipment_id = $1
ORDER BY seq ASC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select timeline")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var status, source string
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.Seq, &e.CarrierCode, &status, &e.StatusRaw, &e.StatusCode, &e.Terminal,
			&e.EventTime, &e.City, &e.Country, &e.Description, &e.Signatory,
			&e.DedupKey, &source, &e.NotifiedSubscribers, &e.NotifiedStore, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Status = models.ParseUnifiedStatus(status)
		e.Source = models.EventSource(source)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// MarkEventNotified выставляет флаги доставки уведомлений. Единственная
// допустимая "мутация" события, и только false -> true.
func (s *Storage) MarkEventNotified(ctx context.Context, eventID uint64, subscribers, store bool) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_events
SET
  notified_subscribers = notified_subscribers OR $2,
  notified_store = notified_store OR $3
WHERE id = $1
`, eventID, subscribers, store)
	return errors.Wrap(err, "mark event notified")
}
