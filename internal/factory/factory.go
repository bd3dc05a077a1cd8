package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/astromods/modstats/internal/client"
	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/metrics"
	redisrepo "github.com/astromods/modstats/internal/repository/redis"
	"github.com/astromods/modstats/internal/service"
	"github.com/astromods/modstats/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	// Repositories
	counterStore   *redisrepo.CounterStore
	rateLimitCache *redisrepo.RateLimitCache

	trackerService *service.TrackerService

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	f.counterStore = redisrepo.NewCounterStore(f.redisClient)
	f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
	f.trackerService = service.NewTrackerService(
		f.counterStore,
		f.rateLimitCache,
		f.kafkaProducer,
		cfg.RateLimit,
		util.Get(),
	)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Int64("rate_limit_points", cfg.RateLimit.Points),
		util.Duration("rate_limit_window", cfg.RateLimit.Window),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}

	// Kafka is optional; the service runs fine without the event stream.
	if len(f.config.Kafka.Brokers) > 0 {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without event stream",
				util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	return nil
}

// Config returns the loaded configuration
func (f *Factory) Config() *config.Config {
	return f.config
}

// TrackerService returns the counting/ranking engine
func (f *Factory) TrackerService() *service.TrackerService {
	return f.trackerService
}

// Close shuts down all clients exactly once
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		util.Sync()
	})
}
