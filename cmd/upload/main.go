package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/lucidia/internal/config"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/storage"
)

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "lucidia-upload",
	})
	logger.SetDefaultLogger(appLogger)

	providerName := flag.String("provider", "", "Storage provider to use; empty tries the configured chain")
	contentType := flag.String("content-type", "", "Content type; detected from the extension when empty")
	ensureBucket := flag.Bool("ensure-bucket", false, "Create the bucket first (minio only)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: upload [--provider NAME] [--content-type TYPE] [--ensure-bucket] FILE")
		os.Exit(2)
	}
	filePath := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appLogger.WithContext(ctx)

	var provider storage.Provider
	if *providerName == "" {
		provider = storage.NewChain(nil, storage.NewProviders(ctx, &cfg.Storage, cfg.Server.PublicURL)...)
	} else {
		provider, err = storage.NewProvider(ctx, *providerName, &cfg.Storage, cfg.Server.PublicURL)
		if err != nil {
			appLogger.WithError(err).Fatalf("Failed to initialize provider %s", *providerName)
		}
	}

	if *ensureBucket {
		e, ok := provider.(bucketEnsurer)
		if !ok {
			appLogger.Fatalf("Provider %s has no bucket to create", provider.Name())
		}
		if err := e.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure bucket")
		}
	}

	ct := *contentType
	if ct == "" {
		ct = storage.DetectContentType(filePath)
	}

	res, err := provider.Upload(ctx, filePath, ct)
	if err != nil {
		appLogger.WithError(err).Fatal("Upload failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		appLogger.WithError(err).Fatal("Failed to print result")
	}
}
