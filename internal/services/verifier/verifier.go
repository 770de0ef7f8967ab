package verifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/BearBump/TrackFlow/internal/models"
)

// Заголовки входящего вебхука.
const (
	HeaderSignature = "X-Carrier-Signature"
	HeaderMessageID = "X-Carrier-Message-Id"
)

const defaultReplayWindow = 24 * time.Hour

// ReplayStore — распределённое множество виденных message-id.
// Память процесса не годится: приёмник многоинстансный.
type ReplayStore interface {
	SeenAndRecord(ctx context.Context, messageID string, window time.Duration) (bool, error)
}

type Verifier struct {
	secret  string
	replays ReplayStore
	window  time.Duration
}

// New создаёт верификатор. Пустой secret выключает проверку подписи
// (staging-режим); replay-защита и схема при этом работают.
func New(secret string, replays ReplayStore, window time.Duration) *Verifier {
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &Verifier{secret: secret, replays: replays, window: window}
}

// Payload — провалидированное содержимое вебхука.
type Payload struct {
	TrackingNumber string
	Events         []carrier.RawEvent
}

type wirePayload struct {
	TrackingNumber string      `json:"trackingNumber"`
	Events         []wireEvent `json:"events"`
}

type wireEvent struct {
	Status      string            `json:"status"`
	StatusCode  string            `json:"statusCode"`
	Timestamp   string            `json:"timestamp"`
	Location    *carrier.Location `json:"location,omitempty"`
	Description *string           `json:"description,omitempty"`
	Signatory   *string           `json:"signatory,omitempty"`
}

// Verify прогоняет вызов через три проверки: подпись, реплей, схема.
// Отказ — это (nil, reason, nil): бизнес-исход, не ошибка. Ошибка
// возвращается только при отказе инфраструктуры (redis недоступен).
func (v *Verifier) Verify(ctx context.Context, body []byte, signature, messageID string) (*Payload, string, error) {
	if v.secret != "" {
		if signature == "" || !v.signatureValid(body, signature) {
			return nil, models.RejectInvalidSignature, nil
		}
	}

	if v.replays != nil {
		if messageID == "" {
			return nil, models.RejectInvalidSchema, nil
		}
		seen, err := v.replays.SeenAndRecord(ctx, messageID, v.window)
		if err != nil {
			return nil, "", err
		}
		if seen {
			return nil, models.RejectReplayDetected, nil
		}
	}

	p, ok := parsePayload(body)
	if !ok {
		return nil, models.RejectInvalidSchema, nil
	}
	return p, "", nil
}

// SignatureValid — HMAC-SHA-256 от сырого тела, hex, сравнение за
// константное время. Экспортирован для журнала приёма.
func (v *Verifier) SignatureValid(body []byte, signature string) bool {
	if v.secret == "" {
		return true
	}
	return v.signatureValid(body, signature)
}

func (v *Verifier) signatureValid(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign считает подпись для тела. Используется тестами и эмуляторами.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parsePayload валидирует схему: трек-номер, непустой events, у каждого
// события статус, код и разбираемый RFC3339-таймстемп. Лишние поля
// игнорируются, отсутствие обязательных — invalid_schema.
func parsePayload(body []byte) (*Payload, bool) {
	var w wirePayload
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, false
	}
	if w.TrackingNumber == "" || len(w.Events) == 0 {
		return nil, false
	}

	out := &Payload{TrackingNumber: w.TrackingNumber}
	for _, e := range w.Events {
		if e.Status == "" || e.StatusCode == "" || e.Timestamp == "" {
			return nil, false
		}
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			return nil, false
		}
		out.Events = append(out.Events, carrier.RawEvent{
			Status:      e.Status,
			StatusCode:  e.StatusCode,
			OccurredAt:  ts.UTC(),
			Location:    e.Location,
			Description: e.Description,
			Signatory:   e.Signatory,
		})
	}
	return out, true
}
