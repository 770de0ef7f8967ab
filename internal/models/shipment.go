package models

import "time"

// Shipment — проекция отправления, которой владеет внешний shipment store.
// Ядро читает её по tracking_number и двигает tracking_status / tracking_updated_at.
// Поля next_poll_at / poll_fail_count — расписание опроса перевозчика.
type Shipment struct {
	ID             uint64
	CarrierCode    string
	TrackingNumber string

	TrackingStatus    UnifiedStatus
	StatusTerminal    bool
	TrackingUpdatedAt *time.Time

	NextPollAt    time.Time
	PollFailCount int32
	LastPollError *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type ShipmentCreateInput struct {
	CarrierCode    string
	TrackingNumber string
}
