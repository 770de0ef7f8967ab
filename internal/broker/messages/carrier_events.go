package messages

import (
	"time"

	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
)

// CarrierEvents — результат одного опроса перевозчика по одному отправлению.
// Воркер публикует, track-api консюмит и прогоняет события через тот же
// пайплайн приёма, что и вебхуки. MessageID делает консюм идемпотентным
// на dedup-границе пайплайна.
type CarrierEvents struct {
	MessageID      string    `json:"message_id"`
	CarrierCode    string    `json:"carrier_code"`
	TrackingNumber string    `json:"tracking_number"`
	CheckedAt      time.Time `json:"checked_at"`

	NextPollAt time.Time `json:"next_poll_at"`

	Events []carrier.RawEvent `json:"events,omitempty"`

	Error *string `json:"error,omitempty"`
}
