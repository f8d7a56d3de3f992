// jobs-service is the HTTP API server for submitting and tracking jobs on
// remote and containerized services.
package main

import (
	"context"
	"errors"
	"fastsdk/internal/api"
	"fastsdk/internal/async"
	"fastsdk/internal/catalog"
	"fastsdk/internal/config"
	"fastsdk/internal/gateway"
	"fastsdk/internal/gateway/docker"
	"fastsdk/internal/gateway/httpapi"
	"fastsdk/internal/health"
	"fastsdk/internal/job"
	"fastsdk/internal/observability"
	"fastsdk/internal/orchestrator"
	"fastsdk/internal/progress"
	"fastsdk/internal/remote"
	"fastsdk/internal/storage"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(svcCfg.LogLevel)})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(svcCfg *config.ServiceConfig) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cat, err := catalog.Load(svcCfg.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("Loaded service catalog", "path", svcCfg.CatalogPath, "services", len(cat.Services()))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Large payloads go to the object store when one is configured
	var uploader remote.Uploader
	if storageCfg := storage.LoadHTTPConfigFromEnv(); storageCfg.BaseURL != "" {
		store, err := storage.NewHTTPStore(storageCfg)
		if err != nil {
			return err
		}
		uploader = store
		slog.Info("Object storage enabled", "url", storageCfg.BaseURL)
	} else {
		slog.Warn("Object storage disabled - large payloads are kept in process memory")
		uploader = storage.NewMemoryStore()
	}

	// Progress sinks
	sinks := progress.Multi{progress.NewLogSink(slog.Default())}
	var webhook *progress.WebhookSink
	if webhookCfg := progress.LoadWebhookConfigFromEnv(); webhookCfg.URL != "" {
		webhook, err = progress.NewWebhookSink(webhookCfg, metrics)
		if err != nil {
			return err
		}
		sinks = append(sinks, webhook)
		slog.Info("Progress webhook enabled", "url", webhookCfg.URL)
	}

	// Gateways
	backends := []gateway.Backend{httpapi.New(httpapi.LoadConfigFromEnv(), cat.Services())}
	var containers *docker.Gateway
	if dockerServices := cat.ServicesByProtocol(catalog.ProtocolDocker); len(dockerServices) > 0 {
		if !svcCfg.DockerEnabled {
			slog.Warn("Docker disabled - container services are unavailable", "services", len(dockerServices))
		} else {
			containers, err = docker.New(docker.LoadConfigFromEnv(), dockerServices)
			if err != nil {
				return err
			}
			slog.Info("Connected to Docker daemon")
			if removed, err := containers.Cleanup(ctx); err != nil {
				slog.Warn("Failed to remove leftover containers", "error", err)
			} else if removed > 0 {
				slog.Info("Removed leftover containers", "count", removed)
			}
			backends = append(backends, containers)
		}
	}
	router, err := gateway.NewRouter(backends...)
	if err != nil {
		return err
	}

	// Scheduler
	manager := async.NewManager(async.LoadConfigFromEnv(), metrics)
	orch, err := orchestrator.New(orchestrator.LoadConfigFromEnv(), orchestrator.Deps{
		Store:     job.NewStore(),
		Manager:   manager,
		Gateway:   router,
		Endpoints: cat,
		Uploader:  uploader,
		Sink:      sinks,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	go orch.RunJanitor(ctx)

	// Create health checker
	checks := []health.Check{
		{Name: "scheduler", Checker: orch},
		{Name: "gateways", Checker: router},
	}
	if webhook != nil {
		checks = append(checks, health.Check{Name: "webhook", Optional: true, Checker: health.CheckFunc(func(context.Context) error {
			if webhook.Stats().BreakerOpen {
				return errors.New("webhook destination is unavailable")
			}
			return nil
		})})
	}
	healthChecker := health.NewChecker(checks...)

	// Create API router
	handler := api.NewRouter(api.RouterConfig{
		Jobs:          orch,
		Catalog:       cat,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. WriteTimeout leaves room for long-polling results.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      handler,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if svcCfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}
		// Phase 2: stop accepting requests, finish in-flight ones
		slog.Info("Starting graceful shutdown")
		shutdown(25 * time.Second)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
		shutdown(5 * time.Second)
	}
	stop()

	// Phase 3: let running jobs finish; whatever is left is cancelled and compensated
	stats := manager.Stats()
	slog.Info("Draining jobs", "running", stats.Running, "queued", stats.QueueDepth)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := manager.Close(drainCtx); err != nil {
		slog.Warn("Job manager shutdown error", "error", err)
	}

	// Phase 4: flush progress webhooks
	if webhook != nil {
		webhookCtx, webhookCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer webhookCancel()
		if err := webhook.Close(webhookCtx); err != nil {
			slog.Warn("Webhook shutdown error", "error", err)
		}
		ws := webhook.Stats()
		slog.Info("Webhook stats", "delivered", ws.Delivered, "failed", ws.Failed, "dropped", ws.Dropped)
	}

	if containers != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := containers.Close(closeCtx); err != nil {
			slog.Warn("Docker gateway shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return runErr
}
