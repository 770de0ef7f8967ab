package exceptions

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateException(ctx context.Context, ex *models.ShipmentException) (uint64, error)
	GetExceptionByID(ctx context.Context, id uint64) (*models.ShipmentException, error)
	GetUnresolvedException(ctx context.Context, shipmentID uint64, code models.ExceptionCode) (*models.ShipmentException, error)
	UpdateException(ctx context.Context, ex *models.ShipmentException) error
}

// Rule — фразовая сигнатура: вхождение любой фразы в описание события
// (без учёта регистра) даёт код проблемы.
type Rule struct {
	Code    models.ExceptionCode
	Phrases []string
}

func DefaultRules() []Rule {
	return []Rule{
		{models.ExceptionAddressIssue, []string{
			"incorrect address", "address not found", "insufficient address",
			"unable to locate", "nevernyi adres",
		}},
		{models.ExceptionCustomsHold, []string{
			"customs", "held by customs", "clearance delay", "tamozhn",
		}},
		{models.ExceptionDamagedPackage, []string{
			"damaged", "package damaged", "povrezhden",
		}},
		{models.ExceptionDeliveryAttemptFailed, []string{
			"delivery attempt failed", "recipient unavailable", "refused delivery",
			"neudachnaya popytka",
		}},
		{models.ExceptionReturnedToSender, []string{
			"returned to sender", "return to sender", "vozvrat otpravitelyu",
		}},
	}
}

var priorityByCode = map[models.ExceptionCode]models.ExceptionPriority{
	models.ExceptionDamagedPackage:   models.PriorityCritical,
	models.ExceptionAddressIssue:     models.PriorityHigh,
	models.ExceptionReturnedToSender: models.PriorityHigh,
}

var customerActionCodes = map[models.ExceptionCode]bool{
	models.ExceptionAddressIssue:          true,
	models.ExceptionDeliveryAttemptFailed: true,
}

var suggestedActions = map[models.ExceptionCode]string{
	models.ExceptionAddressIssue:          "Contact the customer to confirm the delivery address and push the correction to the carrier.",
	models.ExceptionCustomsHold:           "Check required customs documents and duties; contact the broker if the hold exceeds 48h.",
	models.ExceptionDamagedPackage:        "Open a damage claim with the carrier and prepare a replacement shipment.",
	models.ExceptionDeliveryAttemptFailed: "Ask the customer to schedule redelivery or choose a pickup point.",
	models.ExceptionReturnedToSender:      "Confirm the return, inspect the package on arrival and decide on reshipment or refund.",
}

type Service struct {
	repo  Repository
	rules []Rule
}

func New(repo Repository, rules []Rule) *Service {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Service{repo: repo, rules: rules}
}

// Classify смотрит на принятое (не дубликат) событие и заводит
// ShipmentException при совпадении сигнатуры. Повторное совпадение по
// (shipment, code) при живой проблеме — no-op, так что переигрывание
// пайплайна безопасно. Возвращает (nil, nil), если проблемы нет.
func (s *Service) Classify(ctx context.Context, ev *models.TrackingEvent) (*models.ShipmentException, error) {
	code, ok := s.match(ev)
	if !ok {
		return nil, nil
	}

	existing, err := s.repo.GetUnresolvedException(ctx, ev.ShipmentID, code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	priority := models.PriorityMedium
	if p, ok := priorityByCode[code]; ok {
		priority = p
	}

	ex := &models.ShipmentException{
		ShipmentID:             ev.ShipmentID,
		EventID:                ev.ID,
		Code:                   code,
		Priority:               priority,
		SuggestedAction:        suggestedActions[code],
		RequiresCustomerAction: customerActionCodes[code],
		Status:                 models.ExceptionOpen,
		OpenedAt:               time.Now().UTC(),
	}
	id, err := s.repo.CreateException(ctx, ex)
	if err != nil {
		return nil, errors.Wrap(err, "create exception")
	}
	ex.ID = id
	return ex, nil
}

func (s *Service) match(ev *models.TrackingEvent) (models.ExceptionCode, bool) {
	var text string
	if ev.Description != nil {
		text = strings.ToLower(*ev.Description)
	}

	for _, r := range s.rules {
		for _, ph := range r.Phrases {
			if text != "" && strings.Contains(text, ph) {
				return r.Code, true
			}
		}
	}

	// Статус EXCEPTION без узнаваемой сигнатуры — неудачная доставка
	// как самый общий из кодов.
	if ev.Status == models.StatusException {
		return models.ExceptionDeliveryAttemptFailed, true
	}
	return "", false
}
