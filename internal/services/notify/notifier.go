package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
)

type Repository interface {
	ListActiveSubscriptions(ctx context.Context, shipmentID uint64) ([]*models.TrackingSubscription, error)
	MarkSubscriptionNotified(ctx context.Context, id uint64, at time.Time) error
}

// Dispatcher — внешний коллаборатор доставки (email/sms/webhook).
// Успех/неуспех для ядра непрозрачен дальше счётчиков.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel models.SubscriptionChannel, destination string, ev *models.TrackingEvent) error
}

// StoreSync — интеграция с витриной магазина (пометить заказ выполненным и т.п.).
type StoreSync interface {
	NotifyStatus(ctx context.Context, sh *models.Shipment, ev *models.TrackingEvent, label string) error
}

type Notifier struct {
	repo       Repository
	dispatcher Dispatcher
	store      StoreSync
	timeout    time.Duration
}

func New(repo Repository, dispatcher Dispatcher, store StoreSync, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{repo: repo, dispatcher: dispatcher, store: store, timeout: timeout}
}

// Result — что разошлось по одному принятому событию.
type Result struct {
	SubscribersNotified int
	StoreNotified       bool
}

// NotifyEvent — best-effort фан-аут по принятому событию: активные подписки
// с совпавшим фильтром плюс, для store-notifiable статусов, витрина.
// Ошибки доставки логируются и не блокируют обработку вебхука.
func (n *Notifier) NotifyEvent(ctx context.Context, sh *models.Shipment, ev *models.TrackingEvent, storeNotifiable bool, storeLabel string) (Result, error) {
	var res Result

	subs, err := n.repo.ListActiveSubscriptions(ctx, sh.ID)
	if err != nil {
		return res, err
	}

	for _, sub := range subs {
		if !sub.Wants(ev.Status) {
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := n.dispatcher.Dispatch(dctx, sub.Channel, sub.Destination, ev)
		cancel()
		if err != nil {
			slog.Error("dispatch notification",
				"subscription_id", sub.ID, "channel", string(sub.Channel), "error", err.Error())
			continue
		}

		if err := n.repo.MarkSubscriptionNotified(ctx, sub.ID, time.Now().UTC()); err != nil {
			slog.Error("mark subscription notified", "subscription_id", sub.ID, "error", err.Error())
		}
		res.SubscribersNotified++
	}

	if storeNotifiable && n.store != nil {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := n.store.NotifyStatus(sctx, sh, ev, storeLabel)
		cancel()
		if err != nil {
			slog.Error("store status sync", "shipment_id", sh.ID, "error", err.Error())
		} else {
			res.StoreNotified = true
		}
	}

	return res, nil
}
