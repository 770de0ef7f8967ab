package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/TrackFlow/internal/broker/messages"
	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
}

func (r fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	return r.allowed, r.count, r.err
}

type fakeCarrier struct {
	events []carrier.RawEvent
	err    error
}

func (c fakeCarrier) GetEvents(ctx context.Context, carrierCode, trackingNumber string) ([]carrier.RawEvent, error) {
	return c.events, c.err
}

func TestPoller_processOne_okPublishes(t *testing.T) {
	now := time.Now().UTC()
	fp := &fakeProducer{}
	p := New(nil, fakeCarrier{
		events: []carrier.RawEvent{
			{Status: "In transit", StatusCode: "IT", OccurredAt: now},
		},
	}, fp, fakeRL{allowed: true}, "carrier.events")

	sh := &models.Shipment{ID: 42, CarrierCode: "CDEK", TrackingNumber: "CD-1", TrackingStatus: models.StatusInTransit}
	require.NoError(t, p.processOne(context.Background(), sh))
	require.Equal(t, 1, fp.calls)
	require.Equal(t, "carrier.events", fp.topic)
	require.Equal(t, []byte("CD-1"), fp.key)

	var msg messages.CarrierEvents
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotEmpty(t, msg.MessageID)
	require.Equal(t, "CD-1", msg.TrackingNumber)
	require.Len(t, msg.Events, 1)
	require.Nil(t, msg.Error)
	require.True(t, msg.NextPollAt.After(now))
}

func TestPoller_processOne_errorBackoff(t *testing.T) {
	fp := &fakeProducer{}
	p := New(nil, fakeCarrier{err: errors.New("boom")}, fp, nil, "carrier.events")
	sh := &models.Shipment{ID: 1, CarrierCode: "CDEK", TrackingNumber: "CD-1", PollFailCount: 2}
	require.NoError(t, p.processOne(context.Background(), sh))
	require.Equal(t, 1, fp.calls)

	var msg messages.CarrierEvents
	require.NoError(t, json.Unmarshal(fp.value, &msg))
	require.NotNil(t, msg.Error)
	require.Equal(t, "boom", *msg.Error)
	require.Empty(t, msg.Events)
}

func TestPoller_WithSettings(t *testing.T) {
	fp := &fakeProducer{}
	p := New(nil, fakeCarrier{}, fp, nil, "t").
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, p.pollInterval)
	require.Equal(t, 7, p.batchSize)
	require.Equal(t, 9, p.concurrency)
	require.Equal(t, 11*time.Second, p.lease)
	require.Equal(t, int64(13), p.rateLimitPerMinute)
}
