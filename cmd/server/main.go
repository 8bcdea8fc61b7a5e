package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"patch-downloader/internal/api"
	"patch-downloader/internal/catalog"
	"patch-downloader/internal/config"
	"patch-downloader/internal/database"
	"patch-downloader/internal/logging"
	"patch-downloader/internal/manifest"
	"patch-downloader/internal/orchestrator"
	"patch-downloader/internal/process"
	"patch-downloader/internal/task"
	"patch-downloader/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "JSON or YAML config file; missing file means defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Invalid environment override: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := logging.Setup(cfg.LogLevel, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}

	for _, dir := range []string{cfg.WorkDir, cfg.DownloadsDir} {
		if err := workspace.EnsureDir(dir); err != nil {
			logger.Fatalf("Failed to create directory: %v", err)
		}
	}

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		logger.Fatalf("Failed to init db: %v", err)
	}
	defer db.Close()

	repo, err := task.NewRepository(db)
	if err != nil {
		logger.Fatalf("Failed to init task journal: %v", err)
	}

	tasks := task.NewRegistry(repo)
	handles := process.NewHandles()
	layout := workspace.Layout{WorkDir: cfg.WorkDir, DownloadsDir: cfg.DownloadsDir}

	fetcher := manifest.NewFetcher(manifest.Options{
		Headers:         cfg.Headers,
		Timeout:         cfg.Fetch.Timeout.Std(),
		RetryAttempts:   cfg.Fetch.RetryAttempts,
		RetryBackoff:    cfg.Fetch.RetryBackoff.Std(),
		RetryMaxBackoff: cfg.Fetch.RetryMaxBackoff.Std(),
	})

	supervisor := process.NewSupervisor(process.Config{
		Resolver:         process.NewResolver(cfg.Tool.Name, cfg.Tool.Path),
		Fetcher:          fetcher,
		Layout:           layout,
		CDN:              cfg.Tool.CDN,
		Workers:          cfg.Tool.Workers,
		Timeout:          cfg.Tool.Timeout.Std(),
		ProgressInterval: cfg.Tool.ProgressInterval.Std(),
		Logger:           logger,
	}, tasks, handles)

	var source catalog.Source = catalog.StaticSource{}
	if cfg.CatalogURL != "" {
		source = catalog.NewHTTPSource(cfg.CatalogURL, cfg.Headers)
	}
	patches := catalog.New(source, strings.TrimSuffix(cfg.Tool.CDN, "/")+"/releases")
	if _, err := patches.Refresh(context.Background()); err != nil {
		logger.Warnf("Catalog unavailable at startup: %v", err)
	}

	orch := orchestrator.New(tasks, handles, supervisor, orchestrator.Options{
		Layout:  layout,
		Catalog: patches,
		History: repo,
		Logger:  logger,
	})

	server := api.NewServer(cfg.Port, orch)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	<-stop
	logger.Info("Shut down signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP shutdown failed: %v", err)
	}
	if err := orch.Shutdown(ctx); err != nil {
		logger.Errorf("Download shutdown failed: %v", err)
	}
	logger.Info("Shut down gracefully")
}
