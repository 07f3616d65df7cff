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

	"github.com/timmy/gallery/internal/alert"
	"github.com/timmy/gallery/internal/api"
	"github.com/timmy/gallery/internal/config"
	"github.com/timmy/gallery/internal/events"
	"github.com/timmy/gallery/internal/feed"
	"github.com/timmy/gallery/internal/imagecache"
	"github.com/timmy/gallery/internal/logger"
	"github.com/timmy/gallery/internal/prefs"
	"github.com/timmy/gallery/internal/repository"
	"github.com/timmy/gallery/internal/service"
	"github.com/timmy/gallery/internal/unsplash"
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

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	userPrefs, err := prefs.Open(cfg.Prefs.Path, cfg.Unsplash.AccessKey)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open preferences")
	}

	cacheLimit := cfg.Cache.CountLimit
	if saved := userPrefs.Get().CacheCountLimit; saved > 0 {
		cacheLimit = saved
	}
	cache := imagecache.New(cacheLimit)

	hub := events.NewHub(0)
	alerts := alert.NewService(&alert.Config{
		Cooldown: cfg.Alerts.Cooldown,
		History:  cfg.Alerts.History,
	})
	alerts.OnAlert(hub.PublishAlert)

	userPrefs.OnChange(func(p prefs.Prefs) {
		if p.CacheCountLimit > 0 && p.CacheCountLimit != cache.CountLimit() {
			cache.Recreate(p.CacheCountLimit)
			appLogger.WithField("count_limit", p.CacheCountLimit).Info("Image cache recreated")
		}
	})

	client := unsplash.NewClient(&cfg.Unsplash, userPrefs)
	favorites := repository.NewFavoriteRepository(db, cache, alerts)
	syncService := service.NewSyncService(client, favorites, cache, hub, alerts, &service.SyncConfig{
		PageSize: cfg.Unsplash.PageSize,
	})

	feeds := feed.NewRegistry(syncService, cfg.Feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feeds.Start(ctx)

	router := api.SetupRouter(&api.Dependencies{
		Sync:      syncService,
		Feeds:     feeds,
		Favorites: favorites,
		Exports:   repository.NewExportRunRepository(db),
		Cache:     cache,
		Prefs:     userPrefs,
		Alerts:    alerts,
		Hub:       hub,
		Logger:    appLogger,
	}, &cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":         cfg.Server.Port,
			"mode":         cfg.Server.Mode,
			"has_key":      userPrefs.HasAccessKey(ctx),
			"cache_limit":  cacheLimit,
			"prefs_path":   userPrefs.Path(),
			"database":     cfg.Database.Driver,
			"feed_columns": cfg.Feed.Columns,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	feeds.Close()
	syncService.Close()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	appLogger.Info("Server exited")
}
