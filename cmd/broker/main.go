package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/arque/internal/broker"
	"github.com/example/arque/internal/config"
	"github.com/example/arque/internal/infrastructure/kafka"
	"github.com/example/arque/internal/infrastructure/store"
	"github.com/example/arque/internal/infrastructure/streamcfg"
	"github.com/example/arque/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env).With("component", "broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting broker",
		"kafka", cfg.KafkaBrokers,
		"prefix", cfg.TopicPrefix,
	)

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := streamcfg.EnsureSchema(ctx, db); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	streamConfig := streamcfg.NewCached(streamcfg.NewPostgres(db), cfg.CacheMax, cfg.CacheTTL)

	transport := kafka.New(cfg.KafkaBrokers,
		kafka.WithPrefix(cfg.TopicPrefix),
		kafka.WithLogger(logger),
	)
	defer transport.Close()

	b := broker.New(transport, streamConfig, broker.WithLogger(logger))
	if err := b.Start(ctx); err != nil {
		logger.Error("start broker", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if err := b.Stop(); err != nil {
		logger.Error("stop broker", "error", err)
	}
}
