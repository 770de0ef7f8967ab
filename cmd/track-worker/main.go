package main

import (
	"context"
	"fmt"
	"log/slog"
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
	"github.com/BearBump/TrackFlow/internal/services/poller"
	"github.com/BearBump/TrackFlow/internal/storage/pgingest"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	topic := cfg.Kafka.CarrierEventsTopicName
	if topic == "" {
		topic = "carrier.events"
	}

	pollInterval := time.Duration(cfg.TrackFlow.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.TrackFlow.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.TrackFlow.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.TrackFlow.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.TrackFlow.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st, err := pgingest.New(connString)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rl := rediscache.NewRateLimiter(redisAddr)

	var carrierClient carrier.Client
	if cfg.TrackFlow.CarrierGatewayBaseURL != "" && cfg.TrackFlow.CarrierGatewayMode == "http" {
		carrierClient = carrierhttp.New(cfg.TrackFlow.CarrierGatewayBaseURL, cfg.TrackFlow.CarrierGatewayAPIKey)
	} else {
		carrierClient = fake.New()
	}

	p := poller.New(st, carrierClient, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCarrierRateLimits(cfg.TrackFlow.WorkerRateLimitCDEKPerMinute, cfg.TrackFlow.WorkerRateLimitPostRuPerMinute).
		WithPlanner(plannerConfigFromYAML(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Операционный HTTP (healthz/stats/trigger) живёт рядом с поллером.
	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.TrackFlow.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			poller:      p,
			cfg:         cfg,
		})
		if err != nil && err != context.Canceled {
			slog.Error("worker http server", "error", err.Error())
		}
	}()

	if err := p.Run(ctx); err != nil && err != context.Canceled {
		panic(err)
	}
}
