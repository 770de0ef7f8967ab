package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/BearBump/TrackFlow/internal/storage/pgingest"
	"github.com/pkg/errors"
)

var ErrShipmentNotFound = errors.New("shipment not found")

const defaultTimelineLimit = 100

// GetTimeline — упорядоченная история отправления (seq asc).
// Первая страница кешируется в redis и сбрасывается при приёме события.
func (s *Service) GetTimeline(ctx context.Context, trackingNumber string, limit, offset int) ([]*models.TrackingEvent, error) {
	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, ErrShipmentNotFound
	}

	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	firstPage := offset == 0 && limit == defaultTimelineLimit

	if firstPage && s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, timelineKey(sh.ID)); err == nil && ok {
			var events []*models.TrackingEvent
			if err := json.Unmarshal(data, &events); err == nil {
				return events, nil
			}
		}
	}

	events, err := s.repo.ListTimeline(ctx, sh.ID, limit, offset)
	if err != nil {
		return nil, err
	}

	if firstPage && s.cache != nil {
		if data, err := json.Marshal(events); err == nil {
			if err := s.cache.Set(ctx, timelineKey(sh.ID), data, s.timelineTTL); err != nil {
				slog.Error("cache timeline", "shipment_id", sh.ID, "error", err.Error())
			}
		}
	}
	return events, nil
}

// RegisterShipments ставит треки на отслеживание. Идемпотентно:
// существующий tracking_number возвращается как есть.
func (s *Service) RegisterShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error) {
	if len(items) == 0 {
		return nil, errors.New("at least one shipment is required")
	}
	for _, it := range items {
		if it.CarrierCode == "" || it.TrackingNumber == "" {
			return nil, errors.New("carrierCode and trackingNumber are required")
		}
	}
	return s.repo.CreateOrGetShipments(ctx, items)
}

func (s *Service) GetShipment(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, ErrShipmentNotFound
	}
	return sh, nil
}

func (s *Service) GetExceptions(ctx context.Context, trackingNumber string) ([]*models.ShipmentException, error) {
	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, ErrShipmentNotFound
	}
	return s.repo.ListExceptionsByShipment(ctx, sh.ID)
}

func (s *Service) SearchByStatus(ctx context.Context, status models.UnifiedStatus, limit, offset int) ([]*models.Shipment, error) {
	if !status.Valid() {
		return nil, errors.Errorf("unknown status %q", status)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.SearchShipmentsByStatus(ctx, status, limit, offset)
}

// Dashboard — агрегаты для операционки: отправления по статусам
// и открытые проблемы по кодам.
type Dashboard struct {
	Shipments      []pgingest.StatusCount    `json:"shipments"`
	OpenExceptions []pgingest.ExceptionCount `json:"open_exceptions"`
}

func (s *Service) GetStatusDashboard(ctx context.Context) (*Dashboard, error) {
	shipments, err := s.repo.CountShipmentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	exceptions, err := s.repo.CountOpenExceptions(ctx)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Shipments: shipments, OpenExceptions: exceptions}, nil
}

func (s *Service) GetRecentWebhooks(ctx context.Context, limit int) ([]*models.TrackingWebhook, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListRecentWebhooks(ctx, limit)
}

// Subscribe заводит подписку на события отправления. Пустой фильтр
// статусов означает "все".
func (s *Service) Subscribe(ctx context.Context, trackingNumber string, channel models.SubscriptionChannel, destination string, statuses []models.UnifiedStatus) (uint64, error) {
	if !channel.Valid() {
		return 0, errors.Errorf("unknown channel %q", channel)
	}
	if destination == "" {
		return 0, errors.New("destination is required")
	}
	for _, st := range statuses {
		if !st.Valid() {
			return 0, errors.Errorf("unknown status %q in filter", st)
		}
	}

	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return 0, err
	}
	if sh == nil {
		return 0, ErrShipmentNotFound
	}

	return s.repo.CreateSubscription(ctx, &models.TrackingSubscription{
		ShipmentID:  sh.ID,
		Channel:     channel,
		Destination: destination,
		Statuses:    statuses,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	})
}

func (s *Service) Unsubscribe(ctx context.Context, id uint64) error {
	return s.repo.DeactivateSubscription(ctx, id)
}

func (s *Service) invalidateTimeline(ctx context.Context, shipmentID uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, timelineKey(shipmentID)); err != nil {
		slog.Error("invalidate timeline cache", "shipment_id", shipmentID, "error", err.Error())
	}
}

func timelineKey(shipmentID uint64) string {
	return fmt.Sprintf("timeline:%d", shipmentID)
}
