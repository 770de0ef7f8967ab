package models

import "time"

type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourcePoll    EventSource = "poll"
)

// TrackingEvent — неизменяемая запись одной вехи от перевозчика.
// Таймлайн append-only: события не редактируются и не удаляются.
// Seq назначается при приёме и следует порядку event_time, а не порядку доставки.
type TrackingEvent struct {
	ID         uint64
	ShipmentID uint64
	Seq        int32

	CarrierCode string
	StatusRaw   string
	StatusCode  string
	Status      UnifiedStatus
	Terminal    bool

	EventTime   time.Time
	City        *string
	Country     *string
	Description *string
	Signatory   *string

	DedupKey string
	Source   EventSource

	NotifiedSubscribers bool
	NotifiedStore       bool

	CreatedAt time.Time
}
