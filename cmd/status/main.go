package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/lucidia/internal/config"
	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/service"
)

func main() {
	// Diagnostics go to stderr so the report on stdout stays readable
	appLogger := logger.New(&logger.Config{
		Level:       "warn",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "lucidia-status",
	})
	logger.SetDefaultLogger(appLogger)

	id := flag.String("id", "", "Job ID to look up (local metadata first, then the configured server)")
	url := flag.String("url", "", "Full URL of a metadata document")
	server := flag.String("server", "", "Server base URL; overrides status.base_url")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	ref := *url
	if ref == "" {
		ref = *id
	}
	if ref == "" && flag.NArg() > 0 {
		ref = flag.Arg(0)
	}
	if ref == "" {
		fmt.Fprintln(os.Stderr, "usage: status --id ID | --url URL [--server URL] [--config path]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	baseURL := cfg.Status.BaseURL
	if *server != "" {
		baseURL = *server
	}

	var store repository.JobStore
	if _, err := os.Stat(cfg.Paths.MetadataDir); err == nil {
		if fs, err := repository.NewFileJobStore(cfg.Paths.MetadataDir); err == nil {
			store = fs
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := service.NewStatusService(store, baseURL, cfg.Status.Timeout).Resolve(ctx, ref)
	if err != nil {
		var fetchErr *domain.FetchError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			fmt.Fprintf(os.Stderr, "Job not found: %s\n", ref)
		case errors.As(err, &fetchErr):
			fmt.Fprintf(os.Stderr, "Could not fetch status: %v\n", err)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	service.WriteReport(os.Stdout, job)
}
