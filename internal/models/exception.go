package models

import "time"

type ExceptionCode string

const (
	ExceptionAddressIssue          ExceptionCode = "ADDRESS_ISSUE"
	ExceptionCustomsHold           ExceptionCode = "CUSTOMS_HOLD"
	ExceptionDamagedPackage        ExceptionCode = "DAMAGED_PACKAGE"
	ExceptionDeliveryAttemptFailed ExceptionCode = "DELIVERY_ATTEMPT_FAILED"
	ExceptionReturnedToSender      ExceptionCode = "RETURNED_TO_SENDER"
)

type ExceptionPriority string

const (
	PriorityLow      ExceptionPriority = "low"
	PriorityMedium   ExceptionPriority = "medium"
	PriorityHigh     ExceptionPriority = "high"
	PriorityCritical ExceptionPriority = "critical"
)

type ExceptionStatus string

const (
	ExceptionOpen         ExceptionStatus = "open"
	ExceptionAcknowledged ExceptionStatus = "acknowledged"
	ExceptionResolved     ExceptionStatus = "resolved"
	ExceptionEscalated    ExceptionStatus = "escalated"
)

// ShipmentException — зафиксированная проблема по одному TrackingEvent.
// Создаётся классификатором, переводится людьми/автоматикой, не удаляется.
type ShipmentException struct {
	ID         uint64
	ShipmentID uint64
	EventID    uint64

	Code                   ExceptionCode
	Priority               ExceptionPriority
	SuggestedAction        string
	RequiresCustomerAction bool

	Status          ExceptionStatus
	ResolutionNotes *string
	AcknowledgedBy  *string

	OpenedAt       time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	EscalatedAt    *time.Time
}
