// Package main is the entrypoint for the reconhub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/api"
	"github.com/kiranshivaraju/reconhub/internal/api/handler"
	mw "github.com/kiranshivaraju/reconhub/internal/api/middleware"
	"github.com/kiranshivaraju/reconhub/internal/api/response"
	"github.com/kiranshivaraju/reconhub/internal/artifact"
	"github.com/kiranshivaraju/reconhub/internal/cache"
	"github.com/kiranshivaraju/reconhub/internal/catalog"
	"github.com/kiranshivaraju/reconhub/internal/config"
	"github.com/kiranshivaraju/reconhub/internal/dataset"
	"github.com/kiranshivaraju/reconhub/internal/engine"
	"github.com/kiranshivaraju/reconhub/internal/events"
	"github.com/kiranshivaraju/reconhub/internal/gpu"
	"github.com/kiranshivaraju/reconhub/internal/orchestrator"
	"github.com/kiranshivaraju/reconhub/internal/recon"
	"github.com/kiranshivaraju/reconhub/internal/store"
	"github.com/kiranshivaraju/reconhub/internal/upload"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	version         = "1.0.0"
)

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when it is invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		slog.Warn("unknown LOG_LEVEL, using info", "value", cfg.Server.LogLevel)
	}
	logger := slog.Default()
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Backend,
		"runtime", cfg.Runtime.Backend,
		"artifacts", cfg.Artifacts.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job store (runs migrations for postgres)
	jobStore, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	slog.Info("job store ready", "backend", cfg.Store.Backend)

	// 3. Rate limit counters live in Redis when it is configured
	var counters cache.Cache = cache.NewMemoryCache()
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		counters = rc
		slog.Info("redis connected")
	}
	defer counters.Close()

	// 4. Container runtime
	runtimeClient, err := orchestrator.New(cfg.Runtime, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer runtimeClient.Close()
	if err := runtimeClient.Ready(ctx); err != nil {
		slog.Warn("container runtime not reachable", "runtime", runtimeClient.Name(), "error", err)
	}

	// 5. Engine catalog, GPU detection, artifacts and events
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	detector := gpu.NewDetector(cfg.GPU.Mode, gpu.NvidiaSMI, logger)
	if st := detector.Status(ctx); st.Available {
		slog.Info("gpu detected", "name", st.Name, "count", st.Count)
	} else {
		slog.Info("no gpu available, gpu-only methods are disabled")
	}

	artifacts, err := artifact.New(ctx, cfg.Artifacts, logger)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		publisher = p
		slog.Info("publishing job events", "exchange", cfg.Events.Exchange)
	}
	defer publisher.Close()

	// 6. Reconstruction service
	layout := workspace.NewLayout(cfg.Paths)
	uploads := upload.NewStore(layout, logger)

	adapters := engine.NewContainerAdapters(cat, runtimeClient, jobStore, detector, artifacts, engine.Options{
		Timeout:     cfg.Jobs.Timeout,
		GracePeriod: cfg.Jobs.GracePeriod,
		Layout:      layout,
	}, logger)
	registry, err := engine.NewRegistry(cat, adapters...)
	if err != nil {
		return fmt.Errorf("build engine registry: %w", err)
	}

	svc := recon.New(recon.Deps{
		Store:     jobStore,
		Catalog:   cat,
		Registry:  registry,
		Datasets:  dataset.NewCatalog(layout),
		Uploads:   uploads,
		Artifacts: artifacts,
		Events:    publisher,
		GPU:       detector,
		Layout:    layout,
		Logger:    logger,
	}, recon.Options{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		MinImages:     cfg.Jobs.MinImages,
		Instance:      cfg.Server.Instance,
		StaleAfter:    staleAfter(cfg.Jobs, cat),
	})

	if n, err := svc.Recover(ctx); err != nil {
		slog.Warn("recover interrupted jobs failed", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted jobs as failed", "count", n)
	}

	// 7. Build router with dependencies
	auth := mw.NewAuth(cfg.Auth.APIKeyHashes)
	if !auth.Enabled() {
		slog.Warn("no API keys configured, mutating routes are open")
	}
	var rateLimit *mw.RateLimit
	if cfg.RateLimit.RequestsPerMinute > 0 {
		rateLimit = mw.NewRateLimit(counters, cfg.RateLimit.RequestsPerMinute)
	}

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		InfoHandler:          handler.NewInfoHandler(serviceInfo()),
		HealthHandler:        healthHandler(jobStore, counters, runtimeClient),
		UploadHandler:        handler.NewUploadHandler(uploads, cfg.Server.MaxUploadBytes),
		DeleteUploadHandler:  handler.NewDeleteUploadHandler(uploads),
		ReconstructHandler:   handler.NewReconstructHandler(svc),
		StatusHandler:        handler.NewStatusHandler(svc),
		ResultsHandler:       handler.NewResultsHandler(svc),
		DownloadHandler:      handler.NewDownloadHandler(svc),
		ListJobsHandler:      handler.NewListJobsHandler(svc),
		CancelHandler:        handler.NewCancelHandler(svc),
		DatasetsHandler:      handler.NewDatasetsHandler(svc),
		DatasetImagesHandler: handler.NewDatasetImagesHandler(svc),
		MethodsHandler:       handler.NewMethodsHandler(svc),
		GPUStatusHandler:     handler.NewGPUStatusHandler(svc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server. Downloads can be large, so there is no write timeout.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop jobs: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func serviceInfo() handler.Info {
	return handler.Info{
		Name:    "reconhub",
		Version: version,
		Runtime: runtime.Version(),
		Endpoints: []string{
			"GET /health",
			"POST /upload",
			"DELETE /upload/{upload_id}",
			"POST /reconstruct",
			"GET /status/{job_id}",
			"GET /results/{job_id}",
			"GET /download/{job_id}/{file}",
			"GET /jobs",
			"DELETE /jobs/{job_id}",
			"GET /datasets",
			"GET /dataset/{name}/{resolution}",
			"GET /methods",
			"GET /gpu-status",
		},
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type readier interface {
	Ready(ctx context.Context) error
}

// healthHandler checks job store, cache and container runtime connectivity.
func healthHandler(s pinger, c pinger, rt readier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store":   "ok",
			"cache":   "ok",
			"runtime": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := rt.Ready(r.Context()); err != nil {
			checks["runtime"] = "degraded"
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// staleAfter bounds how long a live instance can leave a running job without
// an update: the longest engine budget plus the stop grace period.
func staleAfter(jobs config.JobsConfig, cat *catalog.Catalog) time.Duration {
	longest := jobs.Timeout
	for _, m := range cat.Methods() {
		if m.Timeout > longest {
			longest = m.Timeout
		}
	}
	return longest + jobs.GracePeriod + time.Minute
}
