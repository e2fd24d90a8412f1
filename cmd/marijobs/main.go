package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marijobs-go/internal/ai"
	"marijobs-go/internal/bot"
	"marijobs-go/internal/config"
	"marijobs-go/internal/conversation"
	"marijobs-go/internal/delivery"
	"marijobs-go/internal/logger"
	"marijobs-go/internal/review"
	"marijobs-go/internal/scheduler"
	"marijobs-go/internal/scraper"
	"marijobs-go/internal/scraper/sources"
	"marijobs-go/internal/tracker"
	"marijobs-go/pkg/httpclient"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Configuration file path")
	flag.Parse()

	// Load configuration (.env is read first)
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateForBot(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	zlog, err := logger.New(cfg.Monitoring.LogLevel, cfg.Monitoring.LogFormat, cfg.Monitoring.LogFile)
	if err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("marijobs stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	backend, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	httpClient := httpclient.NewHttpClient(cfg.App.RequestTimeout)
	registry := sources.NewRegistryFromConfig(cfg.Sources, httpClient, cfg.App.ScrapeDelay)
	logger.Info("sources registered", zap.Int("count", len(registry.Sources())), zap.Ints("phases", registry.Phases()))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	queue := delivery.NewQueue(store, logger)
	sequencer := scraper.NewSequencer(registry, store, queue, backend.ledger, scraper.NewMetrics(promRegistry), scraper.SequencerConfig{
		ScrapeDelay:    cfg.App.ScrapeDelay,
		RequestTimeout: cfg.App.RequestTimeout,
		CacheWindow:    cfg.App.CacheWindow,
	}, logger)
	if archive := openArchive(cfg, logger); archive != nil {
		sequencer.WithArchive(archive)
	}

	var reviewer review.Reviewer
	if cfg.OpenRouter.Enabled {
		reviewer = ai.NewClient(httpClient, cfg.OpenRouter, logger)
	}
	pipeline := review.NewPipeline(store, reviewer, review.Config{
		MinScore:      cfg.OpenRouter.MinScore,
		ExcerptLength: cfg.App.ExcerptLength,
	}, logger)

	api, err := bot.NewAPI(cfg.Telegram)
	if err != nil {
		return err
	}
	logger.Info("authorized on telegram", zap.String("bot", api.Self.UserName))
	responder := bot.NewResponder(api, httpClient, cfg.Telegram.Token, logger)

	engine := conversation.NewEngine(conversation.Deps{
		Store:     store,
		Gate:      scraper.NewGate(store, backend.ledger, cfg.App.CacheWindow, logger),
		Sequencer: sequencer,
		Queue:     queue,
		Review:    pipeline,
		Tracker:   tracker.NewTracker(store, backend.events, logger),
		Locker:    backend.locker,
		Files:     responder,
		Responder: responder,
		Config:    cfg,
		Logger:    logger,
	})

	sched := scheduler.New(store, cfg.App.CleanupInterval, cfg.App.JobMaxAge, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	metricsServer := serveMetrics(cfg.Monitoring.MetricsAddr, promRegistry, logger)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	telegram := bot.New(api, engine, cfg.Telegram.PollTimeout, logger)
	botDone := make(chan error, 1)
	go func() { botDone <- telegram.Run(ctx) }()
	logger.Info("marijobs started")

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))
		cancel()
		runErr = <-botDone
	case runErr = <-botDone:
		logger.Warn("telegram polling ended, shutting down")
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("search runs did not stop in time", zap.Error(err))
	}
	sched.Stop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	logger.Info("marijobs shutdown complete")
	return runErr
}

// serveMetrics exposes the registry on addr; an empty addr disables it.
func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
