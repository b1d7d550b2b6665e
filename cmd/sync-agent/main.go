package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/viewledger/platform/pkg/common/config"
	"github.com/viewledger/platform/pkg/common/database"
	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/middleware"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/ingestion"
	"github.com/viewledger/platform/pkg/lease"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/normalizer"
	"github.com/viewledger/platform/pkg/observability/metrics"
	"github.com/viewledger/platform/pkg/partition"
	"github.com/viewledger/platform/pkg/retention"
	"github.com/viewledger/platform/pkg/syncclient"
	"github.com/viewledger/platform/pkg/syncer"
)

func main() {
	logger.Init("sync-agent")
	cfg := config.Load()

	resolver, err := daykey.NewResolver(cfg.TimeZone)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid day key time zone")
	}

	var catalog *normalizer.Catalog
	if cfg.CategoryCatalogPath != "" {
		if catalog, err = normalizer.LoadCatalog(cfg.CategoryCatalogPath); err != nil {
			logger.Log.WithError(err).Fatal("failed to load category catalog")
		}
	}

	db, err := database.OpenBadger(cfg.SyncLocalPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open local cache")
	}
	defer db.Close()

	remote, err := syncclient.New(syncclient.Config{
		BaseURL:         cfg.SyncRemoteURL,
		ClientID:        cfg.SyncClientID,
		ClientSecret:    cfg.SyncClientSecret,
		TokenURL:        cfg.SyncTokenURL,
		Timeout:         cfg.SyncRequestTimeout,
		Attempts:        cfg.SyncRetryAttempts,
		Backoff:         cfg.SyncRetryBaseBackoff,
		BreakerFailures: uint32(max(cfg.SyncBreakerFailures, 0)),
		BreakerCooldown: cfg.SyncBreakerCooldown,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid sync remote configuration")
	}

	store := partition.NewBadgerStore(db, models.LogRecords)
	engine := merge.NewEngine(store, resolver, daykey.SystemClock{})
	sweeper := retention.NewSweeper(resolver, daykey.SystemClock{}, store)
	agent := syncer.NewAgent(db, engine, remote).
		WithOverlap(cfg.SyncOverlap).
		WithMergeChunk(cfg.SyncMergeChunk)

	svc := ingestion.NewService(ingestion.Options{
		Validator:   ingestion.NewValidator(cfg.AllowedSources, cfg.MaxBatchSize),
		Normalizer:  normalizer.New(resolver, catalog),
		Engine:      engine,
		Coordinator: syncer.NewCoordinator(engine, cfg.PushTimeout),
		Sweeper:     sweeper,
		Locker:      lease.NewMemoryLocker(cfg.CollectionLeaseTTL),
	})

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	ingestion.NewHTTPHandler(svc, cfg.MaxRequestBody).Register(api)
	syncer.NewAgentHandler(agent).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%s", cfg.SyncLocalListenPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"port":   cfg.SyncLocalListenPort,
			"remote": cfg.SyncRemoteURL,
		}).Info("Sync Agent started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start local api")
		}
	}()

	go sweeper.Run(ctx, cfg.RetentionDays)
	go agent.Run(ctx, cfg.SyncInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Sync Agent...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("local api forced to shutdown")
	}

	logger.Log.Info("Sync Agent stopped")
}
