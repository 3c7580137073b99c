package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"listing-sync/internal/api"
	"listing-sync/internal/config"
	"listing-sync/internal/connector"
	"listing-sync/internal/lifecycle"
	"listing-sync/internal/notify"
	"listing-sync/internal/publisher"
	"listing-sync/internal/store"
)

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

	registry := buildRegistry(cfg)
	log.Printf("registered connectors: %v", registry.Names())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	gateway := notify.NewGateway(st, notify.NewRedisNotifier(redisClient, cfg.NotifyChannel))

	pub := publisher.New(registry, cfg.MaxFanoutConcurrency, cfg.PublishTimeout)
	orch := lifecycle.New(st, pub, gateway, cfg.CancelCooldown)

	server := api.New(cfg, st, orch)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.SyncStore, error) {
	if cfg.StoreDriver == "postgres" {
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	}
	return store.NewSQLite(cfg.SQLitePath)
}

func buildRegistry(cfg config.Config) *connector.Registry {
	registry := connector.NewRegistry()
	for name, endpoint := range cfg.ConnectorEndpoints {
		conn := connector.NewHTTPConnector(name, endpoint, cfg.PublishTimeout)
		registry.Register(connector.NewRateLimited(conn, cfg.ConnectorRatePerSec, cfg.ConnectorBurst))
	}
	return registry
}
