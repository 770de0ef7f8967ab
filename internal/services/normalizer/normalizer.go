package normalizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/BearBump/TrackFlow/internal/models"
)

// MappingTable — справочник статусов. Промах — (nil, nil), не ошибка.
type MappingTable interface {
	LookupStatusMapping(ctx context.Context, carrierCode, statusRaw, statusCode string) (*models.StatusMapping, error)
}

type Normalizer struct {
	mappings MappingTable
}

func New(mappings MappingTable) *Normalizer {
	return &Normalizer{mappings: mappings}
}

// Candidate — нормализованное событие-кандидат плюс флаги из справочника.
// Не персистится здесь: приём — зона ответственности Deduplicator-а.
type Candidate struct {
	Event           *models.TrackingEvent
	StoreNotifiable bool
	StoreLabel      string
}

// Normalize переводит сырое событие в кандидата: lookup справочника
// (промах => UNKNOWN, никогда не ошибка), детерминированный dedup-ключ.
func (n *Normalizer) Normalize(ctx context.Context, sh *models.Shipment, raw carrier.RawEvent, source models.EventSource) (Candidate, error) {
	unified := models.StatusUnknown
	terminal := false
	storeNotifiable := false
	storeLabel := ""

	m, err := n.mappings.LookupStatusMapping(ctx, sh.CarrierCode, raw.Status, raw.StatusCode)
	if err != nil {
		return Candidate{}, err
	}
	if m != nil {
		unified = m.UnifiedStatus
		terminal = m.IsTerminal
		storeNotifiable = m.IsStoreNotifiable
		storeLabel = m.StoreStatusLabel
	}
	// Доставка терминальна всегда, что бы ни говорил справочник.
	if unified == models.StatusDelivered {
		terminal = true
	}

	var city, country *string
	if raw.Location != nil {
		c, co := raw.Location.City, raw.Location.Country
		city, country = &c, &co
	}

	ev := &models.TrackingEvent{
		ShipmentID:  sh.ID,
		CarrierCode: sh.CarrierCode,
		StatusRaw:   raw.Status,
		StatusCode:  raw.StatusCode,
		Status:      unified,
		Terminal:    terminal,
		EventTime:   raw.OccurredAt.UTC(),
		City:        city,
		Country:     country,
		Description: raw.Description,
		Signatory:   raw.Signatory,
		DedupKey:    DedupKey(sh.TrackingNumber, raw),
		Source:      source,
	}
	return Candidate{Event: ev, StoreNotifiable: storeNotifiable, StoreLabel: storeLabel}, nil
}

// DedupKey — детерминированный отпечаток логической вехи. Одинаковая веха
// даёт одинаковый ключ независимо от транспорта (webhook/poll) и
// message-id обёртки. В ключ входит только содержимое события.
func DedupKey(trackingNumber string, raw carrier.RawEvent) string {
	h := sha256.New()
	_, _ = h.Write([]byte(trackingNumber))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(raw.StatusCode))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(raw.OccurredAt.UTC().Format(time.RFC3339)))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(raw.Location.Key()))
	return hex.EncodeToString(h.Sum(nil))
}
