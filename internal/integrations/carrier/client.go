package carrier

import (
	"context"
	"time"
)

// RawEvent — сырое событие перевозчика, общее для обоих транспортов
// (webhook и poll): одна и та же веха должна выглядеть одинаково
// независимо от канала доставки.
type RawEvent struct {
	Status      string    `json:"status"`
	StatusCode  string    `json:"statusCode"`
	OccurredAt  time.Time `json:"occurredAt"`
	Location    *Location `json:"location,omitempty"`
	Description *string   `json:"description,omitempty"`
	Signatory   *string   `json:"signatory,omitempty"`
}

type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// Key — строковое представление локации для dedup-ключа.
func (l *Location) Key() string {
	if l == nil {
		return ""
	}
	return l.City + "," + l.Country
}

// Client — внешний коллаборатор, который ходит в API перевозчика.
// Ядро само HTTP-вызовов к перевозчику не делает.
type Client interface {
	GetEvents(ctx context.Context, carrierCode, trackingNumber string) ([]RawEvent, error)
}
