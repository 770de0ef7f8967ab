package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/BearBump/TrackFlow/internal/cache"
	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/BearBump/TrackFlow/internal/services/normalizer"
	"github.com/BearBump/TrackFlow/internal/services/notify"
	"github.com/BearBump/TrackFlow/internal/services/verifier"
	"github.com/BearBump/TrackFlow/internal/storage/pgingest"
	"github.com/pkg/errors"
)

// Сколько раз переигрываем приём события при конфликте сериализации
// по отправлению, прежде чем отдать транзиентную ошибку наверх.
const acceptRetries = 3

type Repository interface {
	CreateOrGetShipments(ctx context.Context, items []models.ShipmentCreateInput) ([]*models.Shipment, error)
	GetShipmentByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error)
	AcceptEvent(ctx context.Context, ev *models.TrackingEvent) (pgingest.AcceptResult, error)
	ListTimeline(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	MarkEventNotified(ctx context.Context, eventID uint64, subscribers, store bool) error

	CreateWebhook(ctx context.Context, w *models.TrackingWebhook) (uint64, error)
	MarkWebhookValidated(ctx context.Context, id uint64, signatureValid bool) error
	FinishWebhook(ctx context.Context, id uint64, status models.WebhookStatus, rejectReason *string, eventsCount int32, duration time.Duration) error
	ListRecentWebhooks(ctx context.Context, limit int) ([]*models.TrackingWebhook, error)

	ApplyPollSchedule(ctx context.Context, trackingNumber string, checkedAt, nextPollAt time.Time, pollErr *string) error

	SearchShipmentsByStatus(ctx context.Context, status models.UnifiedStatus, limit, offset int) ([]*models.Shipment, error)
	CountShipmentsByStatus(ctx context.Context) ([]pgingest.StatusCount, error)
	CountOpenExceptions(ctx context.Context) ([]pgingest.ExceptionCount, error)
	ListExceptionsByShipment(ctx context.Context, shipmentID uint64) ([]*models.ShipmentException, error)

	CreateSubscription(ctx context.Context, sub *models.TrackingSubscription) (uint64, error)
	DeactivateSubscription(ctx context.Context, id uint64) error
}

type Verifier interface {
	Verify(ctx context.Context, body []byte, signature, messageID string) (*verifier.Payload, string, error)
	SignatureValid(body []byte, signature string) bool
}

type Normalizer interface {
	Normalize(ctx context.Context, sh *models.Shipment, raw carrier.RawEvent, source models.EventSource) (normalizer.Candidate, error)
}

type Classifier interface {
	Classify(ctx context.Context, ev *models.TrackingEvent) (*models.ShipmentException, error)
}

type Notifier interface {
	NotifyEvent(ctx context.Context, sh *models.Shipment, ev *models.TrackingEvent, storeNotifiable bool, storeLabel string) (notify.Result, error)
}

// Service — оркестратор приёма: связывает верификацию, нормализацию,
// dedup/sequencing, классификацию проблем и рассылку в явные
// синхронные вызовы. Никакого неявного диспатча событий.
type Service struct {
	repo       Repository
	verifier   Verifier
	normalizer Normalizer
	classifier Classifier
	notifier   Notifier

	carrier     carrier.Client
	pollWorkers int
	pollTimeout time.Duration

	cache       cache.BytesCache
	timelineTTL time.Duration
}

func New(repo Repository, v Verifier, n Normalizer, c Classifier, nt Notifier) *Service {
	return &Service{
		repo:        repo,
		verifier:    v,
		normalizer:  n,
		classifier:  c,
		notifier:    nt,
		pollWorkers: 5,
		pollTimeout: 10 * time.Second,
	}
}

// WithCarrierClient включает прямой опрос перевозчика (PollShipments).
func (s *Service) WithCarrierClient(c carrier.Client, workers int, timeout time.Duration) *Service {
	s.carrier = c
	if workers > 0 {
		s.pollWorkers = workers
	}
	if timeout > 0 {
		s.pollTimeout = timeout
	}
	return s
}

func (s *Service) WithTimelineCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	s.timelineTTL = ttl
	return s
}

type WebhookSummary struct {
	Status string `json:"status"`
	Events int    `json:"events"`
	Reason string `json:"reason,omitempty"`
}

// ProcessWebhook — state machine одного вызова вебхука:
// received -> rejected | validated -> processed.
// Отказ (подпись/реплей/схема) — не ошибка: он записывается в журнал
// и уходит перевозчику как терминальный ответ, чтобы тот не ресендил.
func (s *Service) ProcessWebhook(ctx context.Context, carrierCode string, body []byte, signature, messageID, sourceIP string) (WebhookSummary, error) {
	start := time.Now()

	webhookID, err := s.repo.CreateWebhook(ctx, &models.TrackingWebhook{
		CarrierCode:   carrierCode,
		SourceIP:      sourceIP,
		MessageID:     messageID,
		HeadersDigest: headersDigest(signature, messageID),
		Body:          string(body),
	})
	if err != nil {
		return WebhookSummary{}, errors.Wrap(err, "log webhook receipt")
	}

	payload, reason, err := s.verifier.Verify(ctx, body, signature, messageID)
	if err != nil {
		return WebhookSummary{}, errors.Wrap(err, "verify webhook")
	}
	if reason != "" {
		if err := s.repo.FinishWebhook(ctx, webhookID, models.WebhookRejected, &reason, 0, time.Since(start)); err != nil {
			slog.Error("finish webhook (rejected)", "webhook_id", webhookID, "error", err.Error())
		}
		return WebhookSummary{Status: "rejected", Reason: reason}, nil
	}

	if err := s.repo.MarkWebhookValidated(ctx, webhookID, s.verifier.SignatureValid(body, signature)); err != nil {
		slog.Error("mark webhook validated", "webhook_id", webhookID, "error", err.Error())
	}

	sh, err := s.repo.GetShipmentByTrackingNumber(ctx, payload.TrackingNumber)
	if err != nil {
		return WebhookSummary{}, errors.Wrap(err, "resolve shipment")
	}

	accepted := 0
	if sh == nil {
		// Неизвестный трек — не ошибка: ноль событий, журнал processed.
		slog.Info("webhook for unknown tracking number", "tracking_number", payload.TrackingNumber)
	} else {
		accepted, err = s.processRawEvents(ctx, sh, payload.Events, models.SourceWebhook)
		if err != nil {
			return WebhookSummary{}, err
		}
	}

	if err := s.repo.FinishWebhook(ctx, webhookID, models.WebhookProcessed, nil, int32(accepted), time.Since(start)); err != nil {
		slog.Error("finish webhook (processed)", "webhook_id", webhookID, "error", err.Error())
	}
	return WebhookSummary{Status: "processed", Events: accepted}, nil
}

// processRawEvents — общий для webhook и poll хвост пайплайна:
// normalize -> dedup/sequence -> classify -> notify. Дубликаты — no-op,
// поэтому весь хвост безопасно переигрывать.
func (s *Service) processRawEvents(ctx context.Context, sh *models.Shipment, raws []carrier.RawEvent, source models.EventSource) (int, error) {
	accepted := 0
	for _, raw := range raws {
		cand, err := s.normalizer.Normalize(ctx, sh, raw, source)
		if err != nil {
			return accepted, errors.Wrap(err, "normalize event")
		}

		res, err := s.acceptWithRetry(ctx, cand.Event)
		if err != nil {
			return accepted, err
		}
		if !res.Accepted {
			continue
		}
		accepted++

		if _, err := s.classifier.Classify(ctx, res.Event); err != nil {
			// Классификация ретраится на следующей доставке; приём не валим.
			slog.Error("classify event", "event_id", res.Event.ID, "error", err.Error())
		}

		nres, err := s.notifier.NotifyEvent(ctx, sh, res.Event, cand.StoreNotifiable, cand.StoreLabel)
		if err != nil {
			slog.Error("notify subscribers", "event_id", res.Event.ID, "error", err.Error())
		} else if nres.SubscribersNotified > 0 || nres.StoreNotified {
			if err := s.repo.MarkEventNotified(ctx, res.Event.ID, nres.SubscribersNotified > 0, nres.StoreNotified); err != nil {
				slog.Error("mark event notified", "event_id", res.Event.ID, "error", err.Error())
			}
		}

		s.invalidateTimeline(ctx, sh.ID)
	}
	return accepted, nil
}

func (s *Service) acceptWithRetry(ctx context.Context, ev *models.TrackingEvent) (pgingest.AcceptResult, error) {
	var lastErr error
	for i := 0; i < acceptRetries; i++ {
		res, err := s.repo.AcceptEvent(ctx, ev)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, pgingest.ErrConflict) {
			return pgingest.AcceptResult{}, err
		}
		lastErr = err
	}
	return pgingest.AcceptResult{}, errors.Wrap(lastErr, "accept event: retries exhausted")
}

func headersDigest(signature, messageID string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(signature))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(messageID))
	return hex.EncodeToString(h.Sum(nil))
}
