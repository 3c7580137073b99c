package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"listing-sync/internal/config"
	"listing-sync/internal/connector"
	"listing-sync/internal/lifecycle"
	"listing-sync/internal/notify"
	"listing-sync/internal/publisher"
	"listing-sync/internal/scheduler"
	"listing-sync/internal/store"
	"listing-sync/internal/telemetry"
)

// syncd runs the two background loops: scheduled cancellations and publish
// retries. It shares the store with the API process; both loops are polling
// and idempotent, so extra replicas are harmless.
func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	registry := connector.NewRegistry()
	for name, endpoint := range cfg.ConnectorEndpoints {
		conn := connector.NewHTTPConnector(name, endpoint, cfg.PublishTimeout)
		registry.Register(connector.NewRateLimited(conn, cfg.ConnectorRatePerSec, cfg.ConnectorBurst))
	}
	log.Printf("registered connectors: %v", registry.Names())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	gateway := notify.NewGateway(st, notify.NewRedisNotifier(redisClient, cfg.NotifyChannel))

	pub := publisher.New(registry, cfg.MaxFanoutConcurrency, cfg.PublishTimeout)
	orch := lifecycle.New(st, pub, gateway, cfg.CancelCooldown)

	cancels := scheduler.NewCancellationScheduler(st, registry, cfg.CancelPollInterval, cfg.CancelTimeout, cfg.MaxFanoutConcurrency)
	retries := scheduler.NewRetryCoordinator(st, registry, orch, gateway, scheduler.RetryConfig{
		PollInterval:   cfg.RetryPollInterval,
		PublishTimeout: cfg.PublishTimeout,
		BackoffInitial: cfg.RetryBackoffInitial,
		BackoffMax:     cfg.RetryBackoffMax,
		MaxRetries:     cfg.MaxPublishRetries,
		MaxConcurrency: cfg.MaxFanoutConcurrency,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		if err := cancels.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cancellation scheduler stopped: %v", err)
		}
	}()

	log.Printf("syncd started cooldown=%s cancel_poll=%s retry_poll=%s max_retries=%d",
		cfg.CancelCooldown, cfg.CancelPollInterval, cfg.RetryPollInterval, cfg.MaxPublishRetries)
	if err := retries.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("retry coordinator stopped: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.SyncStore, error) {
	if cfg.StoreDriver == "postgres" {
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	}
	return store.NewSQLite(cfg.SQLitePath)
}
