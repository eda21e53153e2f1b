package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/cache"
	"github.com/elsanchez/autofetch/internal/catalog"
	"github.com/elsanchez/autofetch/internal/config"
	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/daemon"
	"github.com/elsanchez/autofetch/internal/events"
	"github.com/elsanchez/autofetch/internal/metrics"
	"github.com/elsanchez/autofetch/internal/monitor"
	"github.com/elsanchez/autofetch/internal/repository/sqlite"
	"github.com/elsanchez/autofetch/internal/settings"
	"github.com/elsanchez/autofetch/internal/tasks"
	"github.com/elsanchez/autofetch/internal/transfer"
)

const (
	version = "0.1.0"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	var searchPaths []string
	if *configDir != "" {
		searchPaths = append(searchPaths, *configDir)
	}

	cfg, err := config.Load(searchPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("autofetchd failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", version).Msg("autofetchd starting")

	// Crear directorios
	cookiesDir := filepath.Join(cfg.DataDir, "cookies")
	for _, dir := range []string{cfg.DataDir, cookiesDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	logger.Info().Str("data_dir", cfg.DataDir).Msg("Data directory ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Base de datos y migraciones
	db, err := sqlite.NewDatabase(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("Database initialized")

	bus := events.NewBus(logger)

	store := tasks.NewStore(db.TaskRepo, bus, logger)
	// Tareas que quedaron descargando en la ejecución anterior vuelven a la cola
	if _, err := store.Reconcile(ctx); err != nil {
		return err
	}

	settingsStore, err := settings.New(ctx, db.SettingsRepo, cfg.Seed(), bus, logger)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	jar := cookies.NewJar(db.AccountRepo, logger)
	worker := transfer.NewWorker(transfer.Options{
		UserAgent:        cfg.UserAgent,
		ConnectTimeout:   cfg.Transfer.ConnectTimeout,
		HeaderTimeout:    cfg.Transfer.HeaderTimeout,
		StallTimeout:     cfg.Transfer.StallTimeout,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		ProgressBytes:    cfg.Transfer.ProgressBytes,
		RateLimitKBps:    cfg.Transfer.RateLimitKBps,
		Cookies:          jar,
	}, logger)

	scheduler := daemon.NewScheduler(store, settingsStore, worker, bus, daemon.SchedulerOptions{
		PollInterval:   cfg.Scheduler.PollInterval,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
		RetryMaxDelay:  cfg.Scheduler.RetryMaxDelay,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info().Int("limit", settingsStore.MaxConcurrentDownloads()).Msg("Scheduler started")

	// El monitor solo existe si hay catálogo configurado
	var poller daemon.Poller
	if cfg.Catalog.BaseURL != "" {
		mon, stop, err := startMonitor(ctx, cfg, settingsStore, store, logger)
		if err != nil {
			return err
		}
		defer stop()
		poller = mon
	} else {
		logger.Warn().Msg("catalog.base_url not set, auto-download monitor disabled")
	}

	retention := daemon.NewRetention(store, cfg.History.Retention, cfg.History.PruneSchedule, logger)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	if cfg.Notifications.Enabled {
		notifier := daemon.NewNotifier(bus, nil, logger)
		notifier.Start()
		defer notifier.Stop()
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewHTTPServer(cfg.Metrics.Address, cfg.Metrics.Port)
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	importer := cookies.NewImporter(db.AccountRepo, cookiesDir, logger)
	handlers := daemon.NewHandlers(store, scheduler, settingsStore, poller, importer, logger)

	server := daemon.NewServer(cfg.SocketPath, handlers, bus, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer server.Stop()

	logger.Info().Str("socket", cfg.SocketPath).Msg("autofetchd is ready")

	// Esperar señal de terminación
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")

	// Al salir, scheduler.Stop devuelve a pending las descargas en curso
	return nil
}

func startMonitor(ctx context.Context, cfg *config.Config, settingsStore *settings.Store, store *tasks.Store, logger zerolog.Logger) (*monitor.Monitor, func(), error) {
	resolved, err := cache.New(cfg.Cache.Provider, cache.Config{
		Size:          cfg.Cache.Size,
		TTL:           cfg.Cache.TTL,
		RedisAddress:  cfg.Cache.Redis.Address,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
		Log:           logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create resolution cache: %w", err)
	}

	client, err := catalog.New(catalog.Options{
		BaseURL:         cfg.Catalog.BaseURL,
		Timeout:         cfg.Catalog.Timeout,
		Retries:         cfg.Catalog.Retries,
		ResolveMode:     cfg.Catalog.ResolveMode,
		ResolveSelector: cfg.Catalog.ResolveSelector,
		UserAgent:       cfg.UserAgent,
	}, resolved, logger)
	if err != nil {
		resolved.Close()
		return nil, nil, fmt.Errorf("create catalog client: %w", err)
	}

	mon := monitor.New(client, settingsStore, store, cfg.Monitor.Interval, logger)
	if err := mon.Start(ctx); err != nil {
		resolved.Close()
		return nil, nil, fmt.Errorf("start monitor: %w", err)
	}
	logger.Info().Str("catalog", cfg.Catalog.BaseURL).Dur("interval", cfg.Monitor.Interval).Msg("Auto-download monitor started")

	stop := func() {
		mon.Stop()
		resolved.Close()
	}
	return mon, stop, nil
}
