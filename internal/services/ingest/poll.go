package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackFlow/internal/broker/messages"
	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// PollSummary — итог прямого (on-demand) опроса перевозчика.
type PollSummary struct {
	Polled    int `json:"polled"`
	NewEvents int `json:"new_events"`
}

// PollShipments опрашивает перевозчика по списку треков прямо сейчас,
// мимо расписания воркера. Параллелизм ограничен семафором; результат
// каждого трека прогоняется через общий пайплайн приёма, так что дубли
// с уже доставленными вебхуками схлопываются сами.
func (s *Service) PollShipments(ctx context.Context, trackingNumbers []string) (PollSummary, error) {
	if s.carrier == nil {
		return PollSummary{}, errors.New("direct polling is not configured")
	}

	var newEvents int64
	sem := make(chan struct{}, s.pollWorkers)
	wg := sync.WaitGroup{}

	for _, tn := range trackingNumbers {
		wg.Add(1)
		sem <- struct{}{}
		go func(trackingNumber string) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := s.pollOne(ctx, trackingNumber)
			if err != nil {
				slog.Error("poll shipment", "tracking_number", trackingNumber, "error", err.Error())
				return
			}
			atomic.AddInt64(&newEvents, int64(n))
		}(tn)
	}
	wg.Wait()

	return PollSummary{Polled: len(trackingNumbers), NewEvents: int(newEvents)}, nil
}

func (s *Service) pollOne(ctx context.Context, trackingNumber string) (int, error) {
	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return 0, err
	}
	if sh == nil {
		return 0, errors.Errorf("unknown tracking number %s", trackingNumber)
	}

	cctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	raws, err := s.carrier.GetEvents(cctx, sh.CarrierCode, sh.TrackingNumber)
	if err != nil {
		return 0, errors.Wrap(err, "carrier request")
	}
	return s.processRawEvents(ctx, sh, raws, models.SourcePoll)
}

// ProcessCarrierUpdate — консюм результата планового опроса из kafka.
// Сначала фиксируем расписание (и ошибку опроса, если была), затем
// события уходят в общий пайплайн. Ошибка возвращается наверх — консюмер
// не коммитит offset и сообщение переигрывается; пайплайн идемпотентен.
func (s *Service) ProcessCarrierUpdate(ctx context.Context, msg messages.CarrierEvents) error {
	if msg.TrackingNumber == "" {
		return errors.New("carrier update without tracking number")
	}

	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, msg.TrackingNumber)
	if err != nil {
		return err
	}
	if sh == nil {
		slog.Warn("carrier update for unknown tracking number",
			"tracking_number", msg.TrackingNumber, "message_id", msg.MessageID)
		return nil
	}

	checkedAt := msg.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}
	if err := s.repo.ApplyPollSchedule(ctx, msg.TrackingNumber, checkedAt, msg.NextPollAt, msg.Error); err != nil {
		return errors.Wrap(err, "apply poll schedule")
	}

	if msg.Error != nil {
		return nil
	}

	_, err = s.processRawEvents(ctx, sh, msg.Events, models.SourcePoll)
	return err
}
