package pgingest

import (
	"context"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// LookupStatusMapping возвращает (nil, nil) на промахе: незнакомый сырой
// статус — это UNKNOWN, а не ошибка. Решает нормализатор.
func (s *Storage) LookupStatusMapping(ctx context.Context, carrierCode, statusRaw, statusCode string) (*models.StatusMapping, error) {
	var m models.StatusMapping
	var unified string
	err := s.db.QueryRow(ctx, `
SELECT
  id, carrier_code, status_raw, status_code,
  unified_status, is_terminal, is_store_notifiable, store_status_label
FROM status_mappings
WHERE carrier_code = $1 AND status_raw = $2 AND status_code = $3
`, carrierCode, statusRaw, statusCode).Scan(
		&m.ID, &m.CarrierCode, &m.StatusRaw, &m.StatusCode,
		&unified, &m.IsTerminal, &m.IsStoreNotifiable, &m.StoreStatusLabel,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select status mapping")
	}
	m.UnifiedStatus = models.ParseUnifiedStatus(unified)
	return &m, nil
}

func (s *Storage) UpsertStatusMapping(ctx context.Context, m *models.StatusMapping) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO status_mappings (
  carrier_code, status_raw, status_code, unified_status, is_terminal, is_store_notifiable, store_status_label
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (carrier_code, status_raw, status_code)
DO UPDATE SET
  unified_status = EXCLUDED.unified_status,
  is_terminal = EXCLUDED.is_terminal,
  is_store_notifiable = EXCLUDED.is_store_notifiable,
  store_status_label = EXCLUDED.store_status_label
`, m.CarrierCode, m.StatusRaw, m.StatusCode, string(m.UnifiedStatus), m.IsTerminal, m.IsStoreNotifiable, m.StoreStatusLabel)
	return errors.Wrap(err, "upsert status mapping")
}
