package main

import (
	"context"
	"fmt"
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

type workerFactories struct {
	newStorage       func(cfg *config.Config) (repo poller.Repository, closeFn func(), err error)
	newProducer      func(cfg *config.Config) poller.Producer
	newRateLimiter   func(cfg *config.Config) poller.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (poller.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgingest.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			// Реальные API перевозчиков закрыты carrier-gateway.
			// Без него — локальный fake для разработки.
			if cfg.TrackFlow.CarrierGatewayBaseURL != "" && cfg.TrackFlow.CarrierGatewayMode == "http" {
				return carrierhttp.New(cfg.TrackFlow.CarrierGatewayBaseURL, cfg.TrackFlow.CarrierGatewayAPIKey)
			}
			return fake.New()
		},
	}
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
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

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	carrierClient := f.newCarrierClient(cfg)

	p := poller.New(repo, carrierClient, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCarrierRateLimits(cfg.TrackFlow.WorkerRateLimitCDEKPerMinute, cfg.TrackFlow.WorkerRateLimitPostRuPerMinute).
		WithPlanner(plannerConfigFromYAML(cfg))

	return p.Run(ctx)
}

func plannerConfigFromYAML(cfg *config.Config) poller.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return poller.PlannerConfig{
		InTransitMinDelay:   sec(cfg.TrackFlow.WorkerNextCheckInTransitMinSeconds),
		InTransitMaxDelay:   sec(cfg.TrackFlow.WorkerNextCheckInTransitMaxSeconds),
		OutForDeliveryDelay: sec(cfg.TrackFlow.WorkerNextCheckOutForDeliverySeconds),
		ExceptionDelay:      sec(cfg.TrackFlow.WorkerNextCheckExceptionSeconds),
		UnknownDelay:        sec(cfg.TrackFlow.WorkerNextCheckUnknownSeconds),
		Backoff1:            sec(cfg.TrackFlow.WorkerBackoff1Seconds),
		Backoff2:            sec(cfg.TrackFlow.WorkerBackoff2Seconds),
		Backoff3:            sec(cfg.TrackFlow.WorkerBackoff3Seconds),
		Backoff4:            sec(cfg.TrackFlow.WorkerBackoff4Seconds),
	}
}
