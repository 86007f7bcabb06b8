package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/messaging"
	"github.com/joao-fontenele/solestore/internal/telemetry"
	"github.com/joao-fontenele/solestore/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	cfg := worker.Config{
		EmailServiceURL:     os.Getenv("EMAIL_SERVICE_URL"),
		OrdersServiceURL:    os.Getenv("ORDERS_SERVICE_URL"),
		InventoryServiceURL: os.Getenv("INVENTORY_SERVICE_URL"),
	}
	for name, v := range map[string]string{
		"EMAIL_SERVICE_URL":     cfg.EmailServiceURL,
		"ORDERS_SERVICE_URL":    cfg.OrdersServiceURL,
		"INVENTORY_SERVICE_URL": cfg.InventoryServiceURL,
	} {
		if v == "" {
			logger.Error(name + " environment variable is required")
			os.Exit(1)
		}
	}

	brokers := strings.Split(kafkaBrokers, ",")
	opts := []messaging.ConsumerOption{
		messaging.WithLogger(logger),
		messaging.WithRetry(5, time.Second),
	}
	createdConsumer := messaging.NewConsumer(brokers, domain.TopicOrderCreated, "order-worker.created", opts...)
	defer func() { _ = createdConsumer.Close() }()
	itemStatusConsumer := messaging.NewConsumer(brokers, domain.TopicItemStatus, "order-worker.item-status", opts...)
	defer func() { _ = itemStatusConsumer.Close() }()

	handler := worker.NewHandler(cfg, telemetry.NewHTTPClient(10*time.Second), logger)

	logger.Info("starting order worker", "brokers", brokers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return createdConsumer.Consume(gctx, handler.HandleOrderCreated) })
	g.Go(func() error { return itemStatusConsumer.Consume(gctx, handler.HandleItemStatus) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info("consumers stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
