package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
)

// ChannelDispatcher доставляет уведомления: канал webhook — HTTP POST на
// destination, email/sms — через внешние шлюзы. Пока шлюзы не подключены,
// эти каналы логируются и считаются доставленными, чтобы подписки
// прогонялись end-to-end.
type ChannelDispatcher struct {
	httpc *http.Client
}

func NewChannelDispatcher(timeout time.Duration) *ChannelDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ChannelDispatcher{httpc: &http.Client{Timeout: timeout}}
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, channel models.SubscriptionChannel, destination string, ev *models.TrackingEvent) error {
	switch channel {
	case models.ChannelWebhook:
		return d.postWebhook(ctx, destination, ev)
	case models.ChannelEmail, models.ChannelSMS:
		// TODO: подключить email/sms шлюзы; до этого канал считается
		// доставленным после записи в лог, и notify_count его учитывает.
		slog.Info("notification dispatched",
			"channel", string(channel), "destination", destination,
			"status", string(ev.Status), "event_id", ev.ID)
		return nil
	default:
		return errors.Errorf("unknown channel %q", channel)
	}
}

func (d *ChannelDispatcher) postWebhook(ctx context.Context, destination string, ev *models.TrackingEvent) error {
	payload, err := json.Marshal(map[string]any{
		"eventId":   ev.ID,
		"status":    string(ev.Status),
		"statusRaw": ev.StatusRaw,
		"eventTime": ev.EventTime,
		"terminal":  ev.Terminal,
	})
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "post notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("subscriber webhook http %d", resp.StatusCode)
	}
	return nil
}

// LogStoreSync — заглушка витрины магазина: store-notifiable статусы
// логируются до подключения реального store API.
type LogStoreSync struct{}

func (LogStoreSync) NotifyStatus(_ context.Context, sh *models.Shipment, ev *models.TrackingEvent, label string) error {
	slog.Info("store status sync",
		"tracking_number", sh.TrackingNumber, "status", string(ev.Status), "label", label)
	return nil
}
