package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/timmy/gallery/internal/alert"
	"github.com/timmy/gallery/internal/config"
	"github.com/timmy/gallery/internal/events"
	"github.com/timmy/gallery/internal/imagecache"
	"github.com/timmy/gallery/internal/logger"
	"github.com/timmy/gallery/internal/prefs"
	"github.com/timmy/gallery/internal/repository"
	"github.com/timmy/gallery/internal/service"
	"github.com/timmy/gallery/internal/storage"
	"github.com/timmy/gallery/internal/unsplash"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "gallery-export",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	force := flag.Bool("force", false, "Re-upload images that already exist in the bucket")
	dryRun := flag.Bool("dry-run", false, "Export into memory instead of the configured bucket")
	download := flag.Bool("download", true, "Download originals of favorites without a stored image")
	workers := flag.Int("workers", 0, "Concurrent uploads (0 uses the config value)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithField(ctx, logger.FieldRunID, uuid.NewString())

	appLogger.WithFields(logger.Fields{
		"force":    *force,
		"dry_run":  *dryRun,
		"download": *download,
		"bucket":   cfg.Storage.Bucket,
	}).Info("Starting export")

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	var objectStorage storage.ObjectStorage
	if *dryRun {
		objectStorage = storage.NewMemoryStorage()
	} else {
		objectStorage, err = storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	alerts := alert.NewService(&alert.Config{Cooldown: cfg.Alerts.Cooldown, History: cfg.Alerts.History})
	cache := imagecache.New(cfg.Cache.CountLimit)
	favorites := repository.NewFavoriteRepository(db, cache, alerts)

	var downloader service.Downloader
	if *download {
		userPrefs, err := prefs.Open(cfg.Prefs.Path, cfg.Unsplash.AccessKey)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to open preferences")
		}
		client := unsplash.NewClient(&cfg.Unsplash, userPrefs)
		syncService := service.NewSyncService(client, favorites, cache, events.NewHub(0), alerts, &service.SyncConfig{
			PageSize: cfg.Unsplash.PageSize,
		})
		defer syncService.Close()
		downloader = syncService
	}

	exportCfg := &service.ExportConfig{
		Workers: cfg.Export.Workers,
		Prefix:  cfg.Export.Prefix,
		Bucket:  cfg.Storage.Bucket,
	}
	if *workers > 0 {
		exportCfg.Workers = *workers
	}
	exporter := service.NewExporter(favorites, downloader, objectStorage, exportCfg)
	if !*dryRun {
		exporter.WithRuns(repository.NewExportRunRepository(db))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	stats, err := exporter.Export(ctx, &service.ExportOptions{Force: *force})
	if err != nil {
		appLogger.WithError(err).Fatal("Export failed")
	}
	if *dryRun {
		appLogger.WithField(logger.FieldCount, objectStorage.(*storage.MemoryStorage).Len()).Info("Dry run stored objects in memory")
	}
	if n := len(alerts.Recent()); n > 0 {
		appLogger.WithField("alerts", n).Warn("Some favorites could not be read or downloaded")
	}
	appLogger.WithFields(logger.Fields{
		"run_id":   stats.RunID,
		"total":    stats.Total,
		"uploaded": stats.Uploaded,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
		"manifest": stats.Manifest,
	}).Info("Export finished")
}
