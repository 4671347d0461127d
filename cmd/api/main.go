package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/lucidia/internal/api"
	"github.com/timmy/lucidia/internal/api/handler"
	"github.com/timmy/lucidia/internal/api/middleware"
	"github.com/timmy/lucidia/internal/config"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/metrics"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/service"
	"github.com/timmy/lucidia/internal/storage"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := logger.SetComponent(appLogger.WithContext(context.Background()), "main")

	for _, dir := range []string{cfg.Paths.ImagesDir, cfg.Paths.PLYsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			appLogger.WithError(err).Fatalf("Failed to create output directory %s", dir)
		}
	}

	store, err := repository.NewFileJobStore(cfg.Paths.MetadataDir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job store")
	}

	collector := metrics.NewCollector("lucidia")

	// Storage fallback chain, in configured order
	providers := storage.NewProviders(ctx, &cfg.Storage, cfg.Server.PublicURL)
	chain := storage.NewChain(collector, providers...)
	if len(providers) == 0 {
		logger.CtxWarn(ctx, "No storage providers configured, model uploads will fail")
	}

	images := service.NewOpenAIImageGenerator(&service.ImageGenConfig{
		APIKey:  cfg.Image.APIKey,
		BaseURL: cfg.Image.BaseURL,
		Model:   cfg.Image.Model,
		Size:    cfg.Image.Size,
		Timeout: cfg.Image.Timeout,
	})

	var models service.ModelGenerator
	if cfg.Model.BaseURL != "" {
		models = service.NewGradioModelGenerator(&service.ModelGenConfig{
			BaseURL:   cfg.Model.BaseURL,
			APIPrefix: cfg.Model.APIPrefix,
			APIName:   cfg.Model.APIName,
			Token:     cfg.Model.Token,
			Timeout:   cfg.Model.Timeout,
		})
	} else {
		logger.CtxWarn(ctx, "Model base URL not configured, 3D generation disabled")
	}

	layout := service.Layout{ImagesDir: cfg.Paths.ImagesDir, PLYsDir: cfg.Paths.PLYsDir}
	pipeline := service.NewPipeline(&service.PipelineConfig{
		Store:    store,
		Images:   images,
		Models:   models,
		Uploader: chain,
		Metrics:  collector,
		Layout:   layout,
	})

	runner := service.NewRunner(pipeline, cfg.Jobs.Workers, cfg.Jobs.QueueSize)
	runner.Start(ctx)

	localDir := ""
	if cfg.Storage.ProviderEnabled(config.ProviderLocal) {
		localDir = cfg.Storage.Local.Dir
	}

	router := api.SetupRouter(&api.RouterConfig{
		Mode:   cfg.Server.Mode,
		Logger: appLogger,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Metrics: collector,
		Store:   store,
		Runner:  runner,
		Status:  service.NewStatusService(store, cfg.Status.BaseURL, cfg.Status.Timeout),
		Layout:  layout,
		Dirs: handler.FileDirs{
			PLYs:     cfg.Paths.PLYsDir,
			Images:   cfg.Paths.ImagesDir,
			Storage:  localDir,
			Metadata: cfg.Paths.MetadataDir,
		},
		PublicURL: cfg.Server.PublicURL,
		Providers: chain.Providers(),
		ModelOn:   models != nil,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":        cfg.Server.Port,
			"mode":        cfg.Server.Mode,
			"workers":     cfg.Jobs.Workers,
			"providers":   chain.Providers(),
			"image_model": images.GetModel(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// In-flight jobs get the grace period, then their context is cancelled
	runner.Shutdown(cfg.Server.ShutdownGrace)

	appLogger.Info("Server exited")
}
