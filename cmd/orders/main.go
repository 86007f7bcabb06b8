package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
	"github.com/joao-fontenele/solestore/internal/messaging"
	"github.com/joao-fontenele/solestore/internal/notify"
	"github.com/joao-fontenele/solestore/internal/orders"
	"github.com/joao-fontenele/solestore/internal/payments"
	"github.com/joao-fontenele/solestore/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL, "orders")
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	repo := orders.NewOrderRepository(db)

	sinks := notify.Fanout{notify.NewLogSink(logger)}
	var (
		createdPublish    orders.EventPublisher
		itemStatusPublish lifecycle.Publisher
	)
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")

		createdProducer := messaging.NewProducer(brokers, domain.TopicOrderCreated)
		defer func() { _ = createdProducer.Close() }()
		createdPublish = createdProducer

		itemStatusProducer := messaging.NewProducer(brokers, domain.TopicItemStatus)
		defer func() { _ = itemStatusProducer.Close() }()
		itemStatusPublish = itemStatusProducer

		notificationProducer := messaging.NewProducer(brokers, domain.TopicNotifications)
		defer func() { _ = notificationProducer.Close() }()
		sinks = append(sinks, notify.NewBusSink(notificationProducer))
	} else {
		logger.Warn("KAFKA_BROKERS not set, events will not be published")
	}

	opts := []lifecycle.Option{
		lifecycle.WithCallTimeout(durationEnv(logger, "STORE_CALL_TIMEOUT", 5*time.Second)),
		lifecycle.WithBulkConcurrency(intEnv(logger, "BULK_CONCURRENCY", 1)),
	}
	if itemStatusPublish != nil {
		opts = append(opts, lifecycle.WithPublisher(itemStatusPublish))
	}

	var checkout payments.Checkout
	if apiKey := os.Getenv("STRIPE_API_KEY"); apiKey != "" {
		stripeCheckout, err := payments.NewStripeCheckout(payments.StripeConfig{APIKey: apiKey, Logger: logger})
		if err != nil {
			logger.Error("failed to configure stripe", "error", err)
			os.Exit(1)
		}
		checkout = stripeCheckout
		opts = append(opts, lifecycle.WithRefunder(stripeCheckout))
	} else {
		logger.Warn("STRIPE_API_KEY not set, online checkout and refunds are disabled")
	}

	service := lifecycle.NewService(repo, sinks, logger, opts...)
	reconciler := lifecycle.NewReconciler(service, logger,
		lifecycle.WithInterval(durationEnv(logger, "RECONCILE_INTERVAL", time.Minute)),
	)

	orderHandler := orders.NewHandler(repo, createdPublish, logger)
	actionsHandler := orders.NewActionsHandler(service, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(orderHandler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("POST /orders/{id}/items/{itemId}/actions", telemetry.WithHTTPRoute(actionsHandler.HandleItemAction))
	mux.HandleFunc("POST /orders/{id}/items/actions", telemetry.WithHTTPRoute(actionsHandler.HandleBulkAction))
	mux.HandleFunc("POST /orders/{id}/reconcile", telemetry.WithHTTPRoute(actionsHandler.HandleReconcile))
	mux.HandleFunc("GET /returns", telemetry.WithHTTPRoute(actionsHandler.HandleListReturns))
	mux.HandleFunc("POST /returns/{id}/resolve", telemetry.WithHTTPRoute(actionsHandler.HandleResolveReturn))
	if checkout != nil {
		paymentHandler := payments.NewHandler(checkout, repo, payments.HandlerConfig{
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    envOr("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
			CancelURL:     envOr("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
		}, logger)
		mux.HandleFunc("POST /orders/{id}/checkout", telemetry.WithHTTPRoute(paymentHandler.HandleCheckout))
		mux.HandleFunc("POST /payments/webhook", telemetry.WithHTTPRoute(paymentHandler.HandleWebhook))
	}
	mux.Handle("GET /metrics", metricsHandler)

	port := envOr("PORT", "8081")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      telemetry.NewHTTPHandler(mux, "orders"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := reconciler.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("starting orders service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(logger *slog.Logger, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func intEnv(logger *slog.Logger, key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}
