package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"juttled/internal/api"
	"juttled/internal/bundle"
	"juttled/internal/config"
	"juttled/internal/dispatcher"
	"juttled/internal/endpoint"
	"juttled/internal/health"
	"juttled/internal/job"
	"juttled/internal/observability"
	"juttled/internal/observer"
	"juttled/internal/topic"
	"juttled/internal/worker"
)

// serve wires the service together and blocks until ctx is cancelled or
// one of the servers fails.
func serve(ctx context.Context, svcCfg *config.ServiceConfig) error {
	workerCfg := worker.LoadConfigFromEnv()
	workerCfg.ConfigPath = svcCfg.ConfigPath

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	launcher, err := worker.NewLauncher(workerCfg)
	if err != nil {
		return err
	}
	if c, ok := launcher.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("Worker launcher configured", "runtime", workerCfg.Runtime)

	jobs := job.NewManager(launcher, job.ConfigFromService(svcCfg, workerCfg.StopGrace), metrics)
	observers := observer.NewManager(metrics)
	jobs.AddListener(observers)
	topics := topic.NewNotifier(metrics)

	var eventDispatcher *dispatcher.MemoryDispatcher
	if svcCfg.WebhookURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		jobs.AddListener(job.NewWebhookNotifier(eventDispatcher, svcCfg.WebhookURL, svcCfg.WebhookKey))
		slog.Info("Lifecycle webhook enabled", "url", svcCfg.WebhookURL)
	}

	healthChecker := health.NewChecker(launcher)

	router := api.NewRouter(api.RouterConfig{
		Jobs:          jobs,
		Observers:     observers,
		Topics:        topics,
		Bundler:       bundle.New(svcCfg.RootDirectory, bundle.WithSearchPaths(svcCfg.ModulePaths...)),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Endpoint:      endpoint.LoadConfigFromEnv(),
		ImplicitSink:  svcCfg.ImplicitSink,
		APIKey:        svcCfg.APIKey,
		RateLimit:     svcCfg.RateLimit,
		RateBurst:     svcCfg.RateBurst,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Websocket subscriptions are long lived, so there is no write timeout.
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port, "root", svcCfg.RootDirectory)
		return listen(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return listen(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
			// Phase 1: fail readiness so load balancers stop routing here
			healthChecker.SetShuttingDown()
			if svcCfg.ShutdownDrainWait > 0 {
				slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
				time.Sleep(svcCfg.ShutdownDrainWait)
			}
		}

		// Phase 2: stop accepting connections
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: stop every job and wait for its worker
		slog.Info("Stopping jobs", "count", len(jobs.GetAllJobs()))
		if err := jobs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Job manager shutdown error", "error", err)
		}
		// Hijacked websockets outlive Shutdown; close them once job_end is queued.
		observers.CloseAll()
		topics.CloseAll()

		// Phase 4: flush lifecycle webhooks
		if eventDispatcher != nil {
			drainDispatcher(eventDispatcher)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func drainDispatcher(d *dispatcher.MemoryDispatcher) {
	slog.Info("Draining webhook dispatcher")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := d.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
}
