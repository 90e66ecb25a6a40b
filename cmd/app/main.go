package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deskrelay/internal/adapter"
	"deskrelay/internal/cache"
	"deskrelay/internal/config"
	"deskrelay/internal/creds"
	"deskrelay/internal/httpserver"
	"deskrelay/internal/logging"
	"deskrelay/internal/media"
	"deskrelay/internal/metrics"
	"deskrelay/internal/outbox"
	"deskrelay/internal/repo"
	"deskrelay/internal/sla"
	"deskrelay/internal/webhook"
	"deskrelay/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting deskrelay", "env", cfg.AppEnv)

	if cfg.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.PublicBaseURL, "/")
		logger.Info("public base url configured", "base_url", base, "webhook_url", base+"/webhooks/{platform}")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var store repo.Store
	switch cfg.DatabaseDriver {
	case "sqlite":
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		store, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	var masterKey *[32]byte
	if cfg.CredentialsKey != "" {
		masterKey, err = creds.ParseKey(cfg.CredentialsKey)
		if err != nil {
			return fmt.Errorf("parse credentials key: %w", err)
		}
	} else {
		logger.Warn("CREDENTIALS_KEY not set, storing channel credentials unencrypted")
	}
	resolver := creds.NewResolver(store, masterKey, cfg.CredsCacheTTL, logger)

	queue, err := outbox.NewQueue(outbox.Config{
		URL:         cfg.AMQPURL,
		Prefetch:    cfg.OutboundWorkers,
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxSendAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("init outbox queue: %w", err)
	}
	defer queue.Close()

	registry := adapter.NewRegistry(
		adapter.NewWhatsApp(adapter.HTTPConfig{BaseURL: cfg.WhatsAppAPIBaseURL, Timeout: cfg.AdapterTimeout}, logger),
		adapter.NewInstagram(adapter.HTTPConfig{BaseURL: cfg.MetaAPIBaseURL, Timeout: cfg.AdapterTimeout}, logger),
		adapter.NewFacebook(adapter.HTTPConfig{BaseURL: cfg.MetaAPIBaseURL, Timeout: cfg.AdapterTimeout}, logger),
		adapter.NewTikTok(adapter.HTTPConfig{BaseURL: cfg.TikTokAPIBaseURL, Timeout: cfg.AdapterTimeout}, logger),
	)

	mediaMapper := media.New(cfg.WhatsAppAPIBaseURL, cfg.AdapterTimeout, cfg.MediaCacheTTL, redisClient, logger)

	ingestor := webhook.NewIngestor(store, registry, resolver, mediaMapper, queue, metricRegistry, logger)
	secrets := webhook.Secrets{
		VerifyToken: cfg.WebhookVerifyToken,
		Generic:     cfg.WebhookSecret,
		Meta:        cfg.MetaWebhookSecret,
		PerPlatform: map[adapter.Platform]string{
			adapter.PlatformWhatsApp:  cfg.WhatsAppWebhookSecret,
			adapter.PlatformInstagram: cfg.InstagramWebhookSecret,
			adapter.PlatformFacebook:  cfg.FacebookWebhookSecret,
			adapter.PlatformTikTok:    cfg.TikTokWebhookSecret,
		},
		Production: cfg.IsProduction(),
	}

	worker := outbox.NewWorker(store, registry, resolver, queue, metricRegistry, logger, cfg.AdapterTimeout, cfg.MaxSendAttempts)
	go func() {
		if err := worker.Run(ctx, queue); err != nil && ctx.Err() == nil {
			logger.Error("outbox worker stopped", "error", err)
			stop()
		}
	}()

	monitor := sla.NewMonitor(store, queue, metricRegistry, logger, cfg.SLASweepInterval)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start sla monitor: %w", err)
	}
	defer monitor.Stop()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		WhatsAppWebhook: webhook.NewPlatformHandler(adapter.PlatformWhatsApp, ingestor, registry, secrets, metricRegistry, logger),
		MetaWebhook:     webhook.NewMetaHandler(ingestor, registry, secrets, metricRegistry, logger),
		TikTokWebhook:   webhook.NewPlatformHandler(adapter.PlatformTikTok, ingestor, registry, secrets, metricRegistry, logger),
	}, httpserver.Dependencies{
		Store:    store,
		Registry: registry,
		Resolver: resolver,
		Queue:    queue,

		PublicBaseURL: cfg.PublicBaseURL,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
