package exceptions

import (
	"context"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// ErrInvalidTransition — видимая вызывающему ошибка workflow:
// попытка перевести проблему из resolved/escalated. Не глотается.
var ErrInvalidTransition = errors.New("invalid exception transition")

var ErrExceptionNotFound = errors.New("exception not found")

// Acknowledge: open -> acknowledged. Требует актора.
func (s *Service) Acknowledge(ctx context.Context, id uint64, actor string) (*models.ShipmentException, error) {
	if actor == "" {
		return nil, errors.New("actor is required")
	}

	ex, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status != models.ExceptionOpen {
		return nil, errors.Wrapf(ErrInvalidTransition, "acknowledge from %s", ex.Status)
	}

	now := time.Now().UTC()
	ex.Status = models.ExceptionAcknowledged
	ex.AcknowledgedBy = &actor
	ex.AcknowledgedAt = &now
	if err := s.repo.UpdateException(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// Resolve: open|acknowledged -> resolved. Требует заметок о решении.
func (s *Service) Resolve(ctx context.Context, id uint64, notes string) (*models.ShipmentException, error) {
	if notes == "" {
		return nil, errors.New("resolution notes are required")
	}

	ex, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status != models.ExceptionOpen && ex.Status != models.ExceptionAcknowledged {
		return nil, errors.Wrapf(ErrInvalidTransition, "resolve from %s", ex.Status)
	}

	now := time.Now().UTC()
	ex.Status = models.ExceptionResolved
	ex.ResolutionNotes = &notes
	ex.ResolvedAt = &now
	if err := s.repo.UpdateException(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// Escalate: open|acknowledged -> escalated, приоритет форсится в critical.
func (s *Service) Escalate(ctx context.Context, id uint64) (*models.ShipmentException, error) {
	ex, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status != models.ExceptionOpen && ex.Status != models.ExceptionAcknowledged {
		return nil, errors.Wrapf(ErrInvalidTransition, "escalate from %s", ex.Status)
	}

	now := time.Now().UTC()
	ex.Status = models.ExceptionEscalated
	ex.Priority = models.PriorityCritical
	ex.EscalatedAt = &now
	if err := s.repo.UpdateException(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Service) get(ctx context.Context, id uint64) (*models.ShipmentException, error) {
	ex, err := s.repo.GetExceptionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, ErrExceptionNotFound
	}
	return ex, nil
}
