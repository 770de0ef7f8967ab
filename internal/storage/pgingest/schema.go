package pgingest

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  carrier_code TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  tracking_status TEXT NOT NULL,
  status_terminal BOOLEAN NOT NULL DEFAULT FALSE,
  tracking_updated_at TIMESTAMPTZ NULL,
  next_poll_at TIMESTAMPTZ NOT NULL,
  poll_fail_count INT NOT NULL DEFAULT 0,
  last_poll_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_poll_at ON shipments(next_poll_at)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tracking_status ON shipments(tracking_status)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  seq INT NOT NULL,
  carrier_code TEXT NOT NULL,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  status_code TEXT NOT NULL,
  is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
  event_time TIMESTAMPTZ NOT NULL,
  location_city TEXT NULL,
  location_country TEXT NULL,
  description TEXT NULL,
  signatory TEXT NULL,
  dedup_key TEXT NOT NULL,
  source TEXT NOT NULL,
  notified_subscribers BOOLEAN NOT NULL DEFAULT FALSE,
  notified_store BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (shipment_id, dedup_key),
  -- seq сдвигается при вставке "задним числом"; deferred, чтобы
  -- UPDATE seq = seq + 1 не падал на промежуточных состояниях.
  CONSTRAINT uq_tracking_events_seq UNIQUE (shipment_id, seq) DEFERRABLE INITIALLY DEFERRED
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment_event_time ON tracking_events(shipment_id, event_time)`,
		`
CREATE TABLE IF NOT EXISTS tracking_webhooks (
  id BIGSERIAL PRIMARY KEY,
  carrier_code TEXT NOT NULL,
  source_ip TEXT NOT NULL,
  message_id TEXT NOT NULL DEFAULT '',
  headers_digest TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  signature_valid BOOLEAN NOT NULL DEFAULT FALSE,
  status TEXT NOT NULL,
  reject_reason TEXT NULL,
  events_count INT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  received_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_webhooks_received_at ON tracking_webhooks(received_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS status_mappings (
  id BIGSERIAL PRIMARY KEY,
  carrier_code TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  status_code TEXT NOT NULL,
  unified_status TEXT NOT NULL,
  is_terminal BOOLEAN NOT NULL DEFAULT FALSE,
  is_store_notifiable BOOLEAN NOT NULL DEFAULT FALSE,
  store_status_label TEXT NOT NULL DEFAULT '',
  UNIQUE (carrier_code, status_raw, status_code)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_subscriptions (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  channel TEXT NOT NULL,
  destination TEXT NOT NULL,
  statuses TEXT[] NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  notify_count BIGINT NOT NULL DEFAULT 0,
  last_notified_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_subscriptions_shipment ON tracking_subscriptions(shipment_id) WHERE active`,
		`
CREATE TABLE IF NOT EXISTS shipment_exceptions (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  event_id BIGINT NOT NULL REFERENCES tracking_events(id),
  code TEXT NOT NULL,
  priority TEXT NOT NULL,
  suggested_action TEXT NOT NULL DEFAULT '',
  requires_customer_action BOOLEAN NOT NULL DEFAULT FALSE,
  status TEXT NOT NULL,
  resolution_notes TEXT NULL,
  acknowledged_by TEXT NULL,
  opened_at TIMESTAMPTZ NOT NULL,
  acknowledged_at TIMESTAMPTZ NULL,
  resolved_at TIMESTAMPTZ NULL,
  escalated_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_exceptions_shipment ON shipment_exceptions(shipment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_exceptions_status ON shipment_exceptions(status)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	return s.seedMappings(ctx)
}

// Базовый справочник для CDEK / POST_RU. Админка может дополнять,
// здесь только сид, чтобы сервис был полезен из коробки.
func (s *Storage) seedMappings(ctx context.Context) error {
	type row struct {
		carrier, raw, code, unified string
		terminal, storeNotif        bool
		label                       string
	}
	seed := []row{
		{"CDEK", "Created", "CR", "CREATED", false, false, ""},
		{"CDEK", "Accepted at sender warehouse", "ACC", "PICKED_UP", false, false, ""},
		{"CDEK", "In transit", "IT", "IN_TRANSIT", false, false, ""},
		{"CDEK", "Handed to courier", "OFD", "OUT_FOR_DELIVERY", false, false, ""},
		{"CDEK", "Delivered", "OK", "DELIVERED", true, true, "fulfilled"},
		{"CDEK", "Not delivered", "ERR", "EXCEPTION", false, false, ""},
		{"CDEK", "Returned to sender", "RTS", "EXCEPTION", true, true, "returned"},
		{"POST_RU", "Prinyato v otdelenii", "2", "PICKED_UP", false, false, ""},
		{"POST_RU", "Pokinulo sortirovochnyi centr", "8", "IN_TRANSIT", false, false, ""},
		{"POST_RU", "Pribylo v mesto vrucheniya", "10", "OUT_FOR_DELIVERY", false, false, ""},
		{"POST_RU", "Vrucheno adresatu", "1", "DELIVERED", true, true, "fulfilled"},
		{"POST_RU", "Neudachnaya popytka vrucheniya", "14", "EXCEPTION", false, false, ""},
	}

	for _, m := range seed {
		_, err := s.db.Exec(ctx, `
INSERT INTO status_mappings (
  carrier_code, status_raw, status_code, unified_status, is_terminal, is_store_notifiable, store_status_label
)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (carrier_code, status_raw, status_code) DO NOTHING
`, m.carrier, m.raw, m.code, m.unified, m.terminal, m.storeNotif, m.label)
		if err != nil {
			return errors.Wrap(err, "seed status mapping")
		}
	}
	return nil
}
