package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
)

// FakeClient — детерминированная заглушка перевозчика для демо и тестов.
// Статус выводится из (carrier, tracking_number): часть треков "доставлена".
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) GetEvents(ctx context.Context, carrierCode, trackingNumber string) ([]carrier.RawEvent, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// 20% треков считаем доставленными
	status := "In transit"
	code := "IT"
	if v%5 == 0 {
		status = "Delivered"
		code = "OK"
	}

	desc := fmt.Sprintf("fake carrier update for %s", trackingNumber)
	return []carrier.RawEvent{{
		Status:      status,
		StatusCode:  code,
		OccurredAt:  now.Truncate(time.Second),
		Location:    &carrier.Location{City: "Moscow", Country: "RU"},
		Description: &desc,
	}}, nil
}
