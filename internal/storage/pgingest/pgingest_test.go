package pgingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "trackflow_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/trackflow_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func mkEvent(shipmentID uint64, status models.UnifiedStatus, terminal bool, eventTime time.Time, dedupKey string) *models.TrackingEvent {
	return &models.TrackingEvent{
		ShipmentID:  shipmentID,
		CarrierCode: "CDEK",
		StatusRaw:   "raw " + string(status),
		StatusCode:  string(status),
		Status:      status,
		Terminal:    terminal,
		EventTime:   eventTime,
		DedupKey:    dedupKey,
		Source:      models.SourceWebhook,
	}
}

func TestPGIngest_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
		{CarrierCode: "POST_RU", TrackingNumber: "RU-2"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	require.NotZero(t, created[0].ID)

	// Повторная регистрация идемпотентна.
	again, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
	})
	require.NoError(t, err)
	require.Equal(t, created[0].ID, again[0].ID)

	sh, err := st.GetShipmentByTrackingNumber(ctx, "CD-1")
	require.NoError(t, err)
	require.NotNil(t, sh)
	require.Equal(t, models.StatusUnknown, sh.TrackingStatus)

	ghost, err := st.GetShipmentByTrackingNumber(ctx, "GHOST")
	require.NoError(t, err)
	require.Nil(t, ghost)

	// Справочник отсеян при init: посев CDEK/Delivered/OK должен находиться.
	m, err := st.LookupStatusMapping(ctx, "CDEK", "Delivered", "OK")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, models.StatusDelivered, m.UnifiedStatus)
	require.True(t, m.IsTerminal)

	miss, err := st.LookupStatusMapping(ctx, "CDEK", "Nope", "NP")
	require.NoError(t, err)
	require.Nil(t, miss)
}

func TestPGIngest_UpsertStatusMapping(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	// Новая строка справочника.
	require.NoError(t, st.UpsertStatusMapping(ctx, &models.StatusMapping{
		CarrierCode:   "CDEK",
		StatusRaw:     "Awaiting pickup",
		StatusCode:    "AWP",
		UnifiedStatus: models.StatusCreated,
	}))

	m, err := st.LookupStatusMapping(ctx, "CDEK", "Awaiting pickup", "AWP")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, models.StatusCreated, m.UnifiedStatus)
	require.False(t, m.IsTerminal)

	// Апдейт по тому же ключу перетирает значения, в отличие от сида.
	require.NoError(t, st.UpsertStatusMapping(ctx, &models.StatusMapping{
		CarrierCode:       "CDEK",
		StatusRaw:         "Awaiting pickup",
		StatusCode:        "AWP",
		UnifiedStatus:     models.StatusPickedUp,
		IsStoreNotifiable: true,
		StoreStatusLabel:  "picked_up",
	}))

	m, err = st.LookupStatusMapping(ctx, "CDEK", "Awaiting pickup", "AWP")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, models.StatusPickedUp, m.UnifiedStatus)
	require.True(t, m.IsStoreNotifiable)
	require.Equal(t, "picked_up", m.StoreStatusLabel)
}

func TestPGIngest_AcceptEvent(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
	})
	require.NoError(t, err)
	shID := created[0].ID

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

	res, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusInTransit, false, t2, "key-2"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.True(t, res.StatusAdvanced)
	require.EqualValues(t, 1, res.Event.Seq)

	// Дубликат по dedup_key — тихий no-op.
	dup, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusInTransit, false, t2, "key-2"))
	require.NoError(t, err)
	require.False(t, dup.Accepted)

	// Событие задним числом встаёт в начало, хвост сдвигается.
	late, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusPickedUp, false, t1, "key-1"))
	require.NoError(t, err)
	require.True(t, late.Accepted)
	require.EqualValues(t, 1, late.Event.Seq)
	// Ранг ниже текущего — проекция не откатывается.
	require.False(t, late.StatusAdvanced)

	timeline, err := st.ListTimeline(ctx, shID, 10, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	require.EqualValues(t, 1, timeline[0].Seq)
	require.Equal(t, "key-1", timeline[0].DedupKey)
	require.EqualValues(t, 2, timeline[1].Seq)
	require.Equal(t, "key-2", timeline[1].DedupKey)

	// Терминальное залипает: следующее нетерминальное событие принимается
	// в историю, но проекция остаётся DELIVERED.
	t3 := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	del, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusDelivered, true, t3, "key-3"))
	require.NoError(t, err)
	require.True(t, del.Accepted)
	require.True(t, del.StatusAdvanced)

	t4 := time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC)
	after, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusInTransit, false, t4, "key-4"))
	require.NoError(t, err)
	require.True(t, after.Accepted)
	require.False(t, after.StatusAdvanced)
	require.Equal(t, models.StatusDelivered, after.PreviousStatus)

	sh, err := st.GetShipmentByTrackingNumber(ctx, "CD-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, sh.TrackingStatus)
	require.True(t, sh.StatusTerminal)

	require.NoError(t, st.MarkEventNotified(ctx, res.Event.ID, true, false))
	timeline, err = st.ListTimeline(ctx, shID, 10, 0)
	require.NoError(t, err)
	for _, e := range timeline {
		if e.ID == res.Event.ID {
			require.True(t, e.NotifiedSubscribers)
			require.False(t, e.NotifiedStore)
		}
	}
}

// acceptRetrying повторяет AcceptEvent при конфликте сериализации —
// то же, что делает сервисный слой.
func acceptRetrying(ctx context.Context, st *Storage, ev *models.TrackingEvent) (AcceptResult, error) {
	for {
		res, err := st.AcceptEvent(ctx, ev)
		if err != nil && errors.Is(err, ErrConflict) {
			continue
		}
		return res, err
	}
}

func TestPGIngest_AcceptEventConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
	})
	require.NoError(t, err)
	shID := created[0].ID

	// Одна и та же веха прилетает одновременно через webhook и poll:
	// принимается ровно один раз.
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	const workers = 10

	var wg sync.WaitGroup
	var accepted int64
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := acceptRetrying(ctx, st, mkEvent(shID, models.StatusInTransit, false, at, "key-same"))
			if err != nil {
				errCh <- err
				return
			}
			if res.Accepted {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, accepted)

	timeline, err := st.ListTimeline(ctx, shID, 50, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

func TestPGIngest_AcceptEventConcurrentInterleaved(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-2"},
	})
	require.NoError(t, err)
	shID := created[0].ID

	// Разные вехи с перемешанными таймстемпами из параллельных горутин:
	// seq обязан остаться непрерывным и следовать event_time, без коллизий.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	const workers = 8

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Горутина i несёт (workers-1-i)-ю по хронологии веху.
			at := base.Add(time.Duration(workers-1-i) * time.Minute)
			key := fmt.Sprintf("key-%d", workers-1-i)
			if _, err := acceptRetrying(ctx, st, mkEvent(shID, models.StatusInTransit, false, at, key)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	timeline, err := st.ListTimeline(ctx, shID, 50, 0)
	require.NoError(t, err)
	require.Len(t, timeline, workers)
	for i, e := range timeline {
		require.EqualValues(t, i+1, e.Seq)
		require.Equal(t, fmt.Sprintf("key-%d", i), e.DedupKey)
		require.True(t, e.EventTime.Equal(base.Add(time.Duration(i)*time.Minute)))
	}
}

func TestPGIngest_PollScheduleAndClaim(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
		{CarrierCode: "CDEK", TrackingNumber: "CD-2"},
	})
	require.NoError(t, err)

	_, err = st.db.Exec(ctx, `UPDATE shipments SET next_poll_at = now() - interval '1 minute' WHERE id = $1`, created[0].ID)
	require.NoError(t, err)
	_, err = st.db.Exec(ctx, `UPDATE shipments SET next_poll_at = now() + interval '1 hour' WHERE id = $1`, created[1].ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	lease := 10 * time.Second
	due, err := st.ClaimDuePollShipments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, created[0].ID, due[0].ID)
	require.WithinDuration(t, now.Add(lease), due[0].NextPollAt, 2*time.Second)

	// Ошибка опроса инкрементит fail count, успех сбрасывает.
	msg := "timeout"
	next := now.Add(5 * time.Minute)
	require.NoError(t, st.ApplyPollSchedule(ctx, "CD-1", now, next, &msg))
	sh, err := st.GetShipmentByTrackingNumber(ctx, "CD-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, sh.PollFailCount)
	require.NotNil(t, sh.LastPollError)

	require.NoError(t, st.ApplyPollSchedule(ctx, "CD-1", now, next, nil))
	sh, err = st.GetShipmentByTrackingNumber(ctx, "CD-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, sh.PollFailCount)
	require.Nil(t, sh.LastPollError)
}

func TestPGIngest_SubscriptionsAndExceptions(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	created, err := st.CreateOrGetShipments(ctx, []models.ShipmentCreateInput{
		{CarrierCode: "CDEK", TrackingNumber: "CD-1"},
	})
	require.NoError(t, err)
	shID := created[0].ID

	subID, err := st.CreateSubscription(ctx, &models.TrackingSubscription{
		ShipmentID:  shID,
		Channel:     models.ChannelEmail,
		Destination: "a@b.c",
		Statuses:    []models.UnifiedStatus{models.StatusDelivered},
		Active:      true,
	})
	require.NoError(t, err)

	subs, err := st.ListActiveSubscriptions(ctx, shID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, []models.UnifiedStatus{models.StatusDelivered}, subs[0].Statuses)

	require.NoError(t, st.MarkSubscriptionNotified(ctx, subID, time.Now().UTC()))
	require.NoError(t, st.DeactivateSubscription(ctx, subID))

	subs, err = st.ListActiveSubscriptions(ctx, shID)
	require.NoError(t, err)
	require.Empty(t, subs)

	ev, err := st.AcceptEvent(ctx, mkEvent(shID, models.StatusException, false,
		time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), "key-ex"))
	require.NoError(t, err)

	exID, err := st.CreateException(ctx, &models.ShipmentException{
		ShipmentID: shID,
		EventID:    ev.Event.ID,
		Code:       models.ExceptionCustomsHold,
		Priority:   models.PriorityMedium,
		Status:     models.ExceptionOpen,
		OpenedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	open, err := st.GetUnresolvedException(ctx, shID, models.ExceptionCustomsHold)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, exID, open.ID)

	now := time.Now().UTC()
	actor := "ops"
	open.Status = models.ExceptionAcknowledged
	open.AcknowledgedBy = &actor
	open.AcknowledgedAt = &now
	require.NoError(t, st.UpdateException(ctx, open))

	got, err := st.GetExceptionByID(ctx, exID)
	require.NoError(t, err)
	require.Equal(t, models.ExceptionAcknowledged, got.Status)

	counts, err := st.CountOpenExceptions(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, models.ExceptionCustomsHold, counts[0].Code)
}
