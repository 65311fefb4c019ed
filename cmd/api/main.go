package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookpay/internal/alerts"
	"bookpay/internal/api"
	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/logging"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
	"bookpay/internal/payment"
	"bookpay/internal/service"
	"bookpay/internal/webhook"
	"bookpay/internal/worker"

	"github.com/omise/omise-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	overrides, err := loadCommissionOverrides(cfg.Payments.CommissionOverride, &logger)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database, &logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus, amqp := initEventBus(cfg, &logger)
	if amqp != nil {
		defer amqp.Close()
	}
	alertSender := initAlerts(cfg, &logger)

	omiseClient, err := initOmise(cfg, &logger)
	if err != nil {
		return err
	}

	// the worker and the command handler need each other
	var handler *service.CommandHandler
	commandWorker := worker.NewCommandWorker(db, domain.TaskHandlerFunc(func(ctx context.Context, task *models.Task) error {
		return handler.HandleTask(ctx, task)
	}), redisClient, worker.Options{
		Retry: worker.RetryPolicy{
			MaxRetries:    cfg.Worker.MaxRetries,
			InitialDelay:  cfg.Worker.InitialDelay,
			MaxDelay:      cfg.Worker.MaxDelay,
			BackoffFactor: cfg.Worker.BackoffFactor,
			Jitter:        cfg.Worker.Jitter,
		},
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Retryable:    service.IsRetryable,
	}, componentLogger(logger, "worker"))

	bookings := service.NewBookingService(db, cfg.Fees, commandWorker, bus, componentLogger(logger, "bookings"))
	bookings.SetCommissionOverrides(overrides)
	webhooks := service.NewWebhookProcessor(db, bookings, service.WebhookConfig{
		MaxAttempts:       cfg.Webhook.MaxAttempts,
		ProcessingTimeout: cfg.Webhook.ProcessingTimeout,
		Retry: worker.RetryPolicy{
			InitialDelay:  cfg.Worker.InitialDelay,
			MaxDelay:      cfg.Worker.MaxDelay,
			BackoffFactor: cfg.Worker.BackoffFactor,
			Jitter:        cfg.Worker.Jitter,
		},
	}, commandWorker, bus, alertSender, componentLogger(logger, "webhooks"))
	refunds := service.NewRefundService(db, bookings, commandWorker, bus, componentLogger(logger, "refunds"))
	groups := service.NewGroupService(db, commandWorker, componentLogger(logger, "groups"))

	var processor domain.PaymentProcessor
	if omiseClient != nil {
		processor = payment.NewProcessor(omiseClient, componentLogger(logger, "omise"))
	}
	handler = service.NewCommandHandler(db, processor, webhooks, componentLogger(logger, "commands"))

	verifier, err := initVerifier(cfg, omiseClient)
	if err != nil {
		return err
	}

	svc := api.Services{
		DB:       db,
		Bookings: bookings,
		Refunds:  refunds,
		Groups:   groups,
		Webhooks: webhooks,
		Verifier: verifier,
	}

	grpcServer, err := api.NewGRPCServer(&cfg.API, api.NewSettlementService(bookings, refunds), &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	httpServer := api.NewHTTPServer(cfg.API, cfg.Webhook.MaxBodyBytes, svc, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	if cfg.Worker.Enabled && processor != nil {
		go commandWorker.Start(ctx)
	} else {
		logger.Warn().Msg("Outbound worker disabled; tasks stay queued")
	}
	go database.NewBackupService(db, cfg.Backup, componentLogger(logger, "backup")).Start(ctx)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func componentLogger(base zerolog.Logger, name string) *zerolog.Logger {
	l := base.With().Str("component", name).Logger()
	return &l
}

type commissionOverride struct {
	ProviderID     int64   `yaml:"provider_id"`
	CommissionRate float64 `yaml:"commission_rate"`
}

// loadCommissionOverrides reads per-provider commission rates. A missing
// path means no overrides.
func loadCommissionOverrides(path string, logger *zerolog.Logger) (map[int64]float64, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("overrides_path", path).Msg("read commission overrides")
		return nil, err
	}

	var file struct {
		Overrides []commissionOverride `yaml:"overrides"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		logger.Error().Err(err).Str("overrides_path", path).Msg("parse commission overrides")
		return nil, err
	}

	out := make(map[int64]float64, len(file.Overrides))
	for _, o := range file.Overrides {
		if o.ProviderID <= 0 {
			return nil, fmt.Errorf("commission override with provider_id %d", o.ProviderID)
		}
		out[o.ProviderID] = o.CommissionRate
	}
	logger.Info().Int("count", len(out)).Msg("Commission overrides loaded")
	return out, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initEventBus(cfg *config.Config, logger *zerolog.Logger) (*events.EventBus, *events.AMQPPublisher) {
	if cfg.Events.AMQPURL == "" {
		return events.NewEventBus(), nil
	}
	publisher, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("amqp connection failed, events stay in process")
		return events.NewEventBus(), nil
	}
	logger.Info().Str("exchange", cfg.Events.Exchange).Msg("amqp connected")
	return events.NewEventBus(publisher), publisher
}

func initAlerts(cfg *config.Config, logger *zerolog.Logger) domain.AlertSender {
	if cfg.Alerts.TelegramBotToken == "" || cfg.Alerts.TelegramChatID == 0 {
		return alerts.NewLog(logger)
	}
	tg, err := alerts.NewTelegram(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, alerts go to the log")
		return alerts.NewLog(logger)
	}
	return tg
}

func initOmise(cfg *config.Config, logger *zerolog.Logger) (*omise.Client, error) {
	if cfg.Payments.SecretKey == "" {
		logger.Warn().Msg("payments.secret_key not set, processor commands disabled")
		return nil, nil
	}
	return payment.NewOmiseClient(cfg.Payments.PublicKey, cfg.Payments.SecretKey)
}

func initVerifier(cfg *config.Config, client *omise.Client) (webhook.Verifier, error) {
	switch cfg.Webhook.Verification {
	case "processor":
		if client == nil {
			return nil, errors.New("processor verification needs payments.secret_key")
		}
		return payment.NewEventVerifier(client), nil
	default:
		return webhook.NewHMACVerifier(cfg.Webhook.Secret, cfg.Webhook.SignatureHeader), nil
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("Settlement server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("Settlement server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
