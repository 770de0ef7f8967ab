package models

import "time"

type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookValidated WebhookStatus = "validated"
	WebhookProcessed WebhookStatus = "processed"
	WebhookRejected  WebhookStatus = "rejected"
)

// Причины отказа. Пишутся в журнал приёма, наружу уходят в summary.
const (
	RejectInvalidSignature = "invalid_signature"
	RejectReplayDetected   = "replay_detected"
	RejectInvalidSchema    = "invalid_schema"
)

// TrackingWebhook — журнальная запись каждого входящего вызова,
// независимо от того, породил ли он события. Поля не откатываются:
// received -> validated -> processed | rejected.
type TrackingWebhook struct {
	ID          uint64
	CarrierCode string
	SourceIP    string
	MessageID   string

	HeadersDigest  string
	Body           string
	SignatureValid bool

	Status       WebhookStatus
	RejectReason *string
	EventsCount  int32
	DurationMS   int64

	ReceivedAt time.Time
	UpdatedAt  time.Time
}
