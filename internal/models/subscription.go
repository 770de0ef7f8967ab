package models

import "time"

type SubscriptionChannel string

const (
	ChannelEmail   SubscriptionChannel = "email"
	ChannelSMS     SubscriptionChannel = "sms"
	ChannelWebhook SubscriptionChannel = "webhook"
)

func (c SubscriptionChannel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook:
		return true
	}
	return false
}

// TrackingSubscription — заявка на уведомления по отправлению.
// Пустой Statuses означает "все статусы". Деактивируется, не удаляется.
type TrackingSubscription struct {
	ID         uint64
	ShipmentID uint64

	Channel     SubscriptionChannel
	Destination string
	Statuses    []UnifiedStatus

	Active         bool
	NotifyCount    int64
	LastNotifiedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wants сообщает, попадает ли событие с данным статусом под фильтр подписки.
func (s *TrackingSubscription) Wants(status UnifiedStatus) bool {
	if len(s.Statuses) == 0 {
		return true
	}
	for _, w := range s.Statuses {
		if w == status {
			return true
		}
	}
	return false
}
