package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/internal/collector"
	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/internal/gateway"
	"github.com/nimbushost/panel/internal/notifications"
	"github.com/nimbushost/panel/internal/provider"
	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
)

// newLogger builds the production logger at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logCfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return logCfg.Build()
}

func main() {
	bootLogger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		bootLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("starting NimbusHost panel backend")

	stripe.Key = cfg.Billing.StripeSecretKey

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	store := database.NewStore(db)
	eventBus := events.NewBus(logger)

	notificationConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notificationConfig.PanelBaseURL = cfg.Server.PanelBaseURL
	notificationService := notifications.NewService(notificationConfig, eventBus, logger)
	notificationService.Start()

	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		Token:   cfg.Provider.Token,
		Timeout: cfg.Provider.Timeout,
	}, logger)
	logger.Info("initialized provider client", zap.String("base_url", cfg.Provider.BaseURL))

	costs := billing.NewCostModel(cfg.Billing.OveragePercent)
	engine := billing.NewEngine(billing.EngineConfig{
		Store:           store,
		Provider:        providerClient,
		Costs:           costs,
		EventBus:        eventBus,
		Logger:          logger,
		LowBalanceCents: cfg.Billing.LowBalanceCents,
	})
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, store, redisCache, eventBus, logger)
	metricCollector := collector.New(store, providerClient, logger)
	logger.Info("initialized billing engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := billing.NewTickerScheduler(logger)
	scheduler.RegisterInterval("hourly-server-billing", cfg.Billing.ServerInterval, engine.RunHourlyServerBilling)
	scheduler.RegisterInterval("hourly-volume-billing", cfg.Billing.VolumeInterval, engine.RunHourlyVolumeBilling)
	scheduler.RegisterInterval("daily-bandwidth-sweep", cfg.Billing.BandwidthInterval, engine.RunDailyBandwidthSweep)
	scheduler.RegisterInterval("metric-collector", cfg.Billing.CollectorInterval, metricCollector.Run)
	scheduler.Start(ctx)

	gw := gateway.NewGateway(
		gateway.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			SessionTTL:     cfg.Server.SessionTTL,
			MetricsEnabled: cfg.Monitoring.Enabled,
			MetricsPath:    cfg.Monitoring.MetricsPath,
		},
		store, db, redisCache, providerClient, costs, webhookHandler, eventBus, logger,
	)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the billing jobs and wait for any in-flight sweep to finish.
	cancel()
	scheduler.Wait()

	logger.Info("server stopped")
}
