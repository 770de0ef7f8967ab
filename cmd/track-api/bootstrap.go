package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TrackFlow/config"
	"github.com/BearBump/TrackFlow/internal/broker/kafka"
	"github.com/BearBump/TrackFlow/internal/cache/rediscache"
	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/BearBump/TrackFlow/internal/integrations/carrier/carrierhttp"
	"github.com/BearBump/TrackFlow/internal/integrations/carrier/fake"
	"github.com/BearBump/TrackFlow/internal/services/exceptions"
	"github.com/BearBump/TrackFlow/internal/services/ingest"
	"github.com/BearBump/TrackFlow/internal/services/normalizer"
	"github.com/BearBump/TrackFlow/internal/services/notify"
	"github.com/BearBump/TrackFlow/internal/services/verifier"
	"github.com/BearBump/TrackFlow/internal/storage/pgingest"
)

type trackAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackAPIOpts
	svc      *ingest.Service
	exc      *exceptions.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.TrackFlow.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.TrackFlow.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	topic := cfg.Kafka.CarrierEventsTopicName
	if topic == "" {
		topic = "carrier.events"
	}

	st := mustOpenPostgresWithRetry(buildConnString(cfg), 60*time.Second)

	svc, exc := buildIngestService(cfg, st)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		exc:      exc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

// buildIngestService собирает пайплайн приёма из конфига:
// verifier + replay-защита, кэшируемый справочник, классификатор,
// рассылка, redis-кэш таймлайна и прямой опрос перевозчика.
func buildIngestService(cfg *config.Config, st *pgingest.Storage) (*ingest.Service, *exceptions.Service) {
	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	replays := rediscache.NewReplayStore(redisAddr)

	replayWindow := time.Duration(cfg.TrackFlow.ReplayWindowHours) * time.Hour
	v := verifier.New(cfg.TrackFlow.WebhookSecret, replays, replayWindow)

	mappingTTL := time.Duration(cfg.TrackFlow.MappingCacheTTLSeconds) * time.Second
	if mappingTTL <= 0 {
		mappingTTL = 10 * time.Minute
	}
	n := normalizer.New(normalizer.NewCachedMappings(st, rc, mappingTTL))

	exc := exceptions.New(st, nil)

	notifyTimeout := time.Duration(cfg.TrackFlow.NotifyTimeoutSeconds) * time.Second
	nt := notify.New(st, notify.NewChannelDispatcher(notifyTimeout), notify.LogStoreSync{}, notifyTimeout)

	timelineTTL := time.Duration(cfg.TrackFlow.TimelineCacheTTLSeconds) * time.Second
	if timelineTTL <= 0 {
		timelineTTL = 10 * time.Minute
	}

	pollTimeout := time.Duration(cfg.TrackFlow.DirectPollTimeoutSeconds) * time.Second

	svc := ingest.New(st, v, n, exc, nt).
		WithTimelineCache(rc, timelineTTL).
		WithCarrierClient(newCarrierClient(cfg), cfg.TrackFlow.DirectPollConcurrency, pollTimeout)

	return svc, exc
}

func newCarrierClient(cfg *config.Config) carrier.Client {
	if cfg.TrackFlow.CarrierGatewayBaseURL != "" && cfg.TrackFlow.CarrierGatewayMode == "http" {
		return carrierhttp.New(cfg.TrackFlow.CarrierGatewayBaseURL, cfg.TrackFlow.CarrierGatewayAPIKey)
	}
	return fake.New()
}

func buildConnString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgingest.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgingest.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.svc, a.exc, a.consumer)
}
