package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/BearBump/TrackFlow/internal/services/exceptions"
	"github.com/BearBump/TrackFlow/internal/services/ingest"
	"github.com/BearBump/TrackFlow/internal/services/normalizer"
	"github.com/BearBump/TrackFlow/internal/services/notify"
	"github.com/BearBump/TrackFlow/internal/services/verifier"
	"github.com/BearBump/TrackFlow/internal/storage/pgingest"
	"github.com/stretchr/testify/require"
)

type stubRepo struct{}

func (stubRepo) CreateOrGetShipments(context.Context, []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	return []*models.Shipment{}, nil
}
func (stubRepo) GetShipmentByTrackingNumber(context.Context, string) (*models.Shipment, error) {
	return nil, nil
}
func (stubRepo) AcceptEvent(context.Context, *models.TrackingEvent) (pgingest.AcceptResult, error) {
	return pgingest.AcceptResult{}, nil
}
func (stubRepo) ListTimeline(context.Context, uint64, int, int) ([]*models.TrackingEvent, error) {
	return nil, nil
}
func (stubRepo) MarkEventNotified(context.Context, uint64, bool, bool) error { return nil }
func (stubRepo) CreateWebhook(context.Context, *models.TrackingWebhook) (uint64, error) {
	return 1, nil
}
func (stubRepo) MarkWebhookValidated(context.Context, uint64, bool) error { return nil }
func (stubRepo) FinishWebhook(context.Context, uint64, models.WebhookStatus, *string, int32, time.Duration) error {
	return nil
}
func (stubRepo) ListRecentWebhooks(context.Context, int) ([]*models.TrackingWebhook, error) {
	return nil, nil
}
func (stubRepo) ApplyPollSchedule(context.Context, string, time.Time, time.Time, *string) error {
	return nil
}
func (stubRepo) SearchShipmentsByStatus(context.Context, models.UnifiedStatus, int, int) ([]*models.Shipment, error) {
	return nil, nil
}
func (stubRepo) CountShipmentsByStatus(context.Context) ([]pgingest.StatusCount, error) {
	return nil, nil
}
func (stubRepo) CountOpenExceptions(context.Context) ([]pgingest.ExceptionCount, error) {
	return nil, nil
}
func (stubRepo) ListExceptionsByShipment(context.Context, uint64) ([]*models.ShipmentException, error) {
	return nil, nil
}
func (stubRepo) CreateSubscription(context.Context, *models.TrackingSubscription) (uint64, error) {
	return 1, nil
}
func (stubRepo) DeactivateSubscription(context.Context, uint64) error { return nil }

type stubExcRepo struct{}

func (stubExcRepo) CreateException(context.Context, *models.ShipmentException) (uint64, error) {
	return 1, nil
}
func (stubExcRepo) GetExceptionByID(context.Context, uint64) (*models.ShipmentException, error) {
	return nil, nil
}
func (stubExcRepo) GetUnresolvedException(context.Context, uint64, models.ExceptionCode) (*models.ShipmentException, error) {
	return nil, nil
}
func (stubExcRepo) UpdateException(context.Context, *models.ShipmentException) error { return nil }

type stubMappings struct{}

func (stubMappings) LookupStatusMapping(context.Context, string, string, string) (*models.StatusMapping, error) {
	return nil, nil
}

type stubNotifyRepo struct{}

func (stubNotifyRepo) ListActiveSubscriptions(context.Context, uint64) ([]*models.TrackingSubscription, error) {
	return nil, nil
}
func (stubNotifyRepo) MarkSubscriptionNotified(context.Context, uint64, time.Time) error { return nil }

type fakeConsumer struct{}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestIngestService() (*ingest.Service, *exceptions.Service) {
	exc := exceptions.New(stubExcRepo{}, nil)
	svc := ingest.New(
		stubRepo{},
		verifier.New("", nil, 0),
		normalizer.New(stubMappings{}),
		exc,
		notify.New(stubNotifyRepo{}, notify.NewChannelDispatcher(0), nil, 0),
	)
	return svc, exc
}

func TestRunTrackAPI_ServesHTTP(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	svc, exc := newTestIngestService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := trackAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   sw,
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runTrackAPI(ctx, opts, svc, exc, fakeConsumer{})
	}()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "\"swagger\"")

	// Вебхук с кривой схемой отклоняется терминальным 400.
	wh, err := http.Post("http://"+httpAddr+"/v1/webhooks/CDEK", "application/json",
		bytes.NewReader([]byte(`{"nope":true}`)))
	require.NoError(t, err)
	defer wh.Body.Close()
	require.Equal(t, http.StatusBadRequest, wh.StatusCode)

	hz, err := http.Get("http://" + httpAddr + "/healthz")
	require.NoError(t, err)
	defer hz.Body.Close()
	require.Equal(t, 200, hz.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}

func TestRunTrackAPI_RequiresSwagger(t *testing.T) {
	svc, exc := newTestIngestService()
	err := runTrackAPI(context.Background(), trackAPIOpts{httpAddr: "127.0.0.1:0"}, svc, exc, fakeConsumer{})
	require.Error(t, err)
}
