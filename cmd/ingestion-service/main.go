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

	"github.com/viewledger/platform/pkg/auth"
	"github.com/viewledger/platform/pkg/common/config"
	"github.com/viewledger/platform/pkg/common/database"
	"github.com/viewledger/platform/pkg/common/kafka"
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
	"github.com/viewledger/platform/pkg/syncer"
)

func main() {
	logger.Init("ingestion-service")
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

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	store := partition.NewPostgresStore(db, models.LogRecords)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate record tables")
	}
	var extra []partition.Store
	for _, log := range cfg.QueryExtraLogs {
		if log == models.LogRecords {
			continue
		}
		extra = append(extra, partition.NewPostgresStore(db, log))
	}

	repo := ingestion.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate ingestion tables")
	}

	redisClient := database.GetRedis(cfg)
	defer database.CloseRedis()

	engine := merge.NewEngine(store, resolver, daykey.SystemClock{})
	sweeper := retention.NewSweeper(resolver, daykey.SystemClock{}, append([]partition.Store{store}, extra...)...)

	opts := ingestion.Options{
		Validator:   ingestion.NewValidator(cfg.AllowedSources, cfg.MaxBatchSize),
		Normalizer:  normalizer.New(resolver, catalog),
		Engine:      engine,
		Coordinator: syncer.NewCoordinator(engine, cfg.PushTimeout, extra...),
		Sweeper:     sweeper,
		Locker:      lease.NewRedisLocker(redisClient, database.LeaseKeyPrefix(cfg), cfg.CollectionLeaseTTL),
		Audit:       repo,
		ReadOnly:    extra,
		StatusTTL:   cfg.IngestionStatusTTL,
	}
	if cfg.MergedEventsTopic != "" {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.MergedEventsTopic)
		defer producer.Close()
		opts.Events = producer
	}
	svc := ingestion.NewService(opts)
	handler := ingestion.NewHTTPHandler(svc, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := database.PingPostgres(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	if cfg.AuthSigningKey != "" {
		tokens, err := auth.NewTokenManager(cfg.AuthSigningKey, cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthTokenTTL)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid auth configuration")
		}
		pairs, err := auth.ParseClients(cfg.SyncClients)
		if err != nil {
			logger.Log.WithError(err).Fatal("invalid SYNC_CLIENTS")
		}
		clients, err := auth.NewClientRegistry(pairs, 0)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load sync clients")
		}
		auth.NewTokenHandler(tokens, clients).Register(router)
		api.Use(auth.Authenticate(tokens))
	} else {
		logger.Log.Warn("AUTH_SIGNING_KEY not set, api is unauthenticated")
	}
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Ingestion Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go sweeper.Run(ctx, cfg.RetentionDays)

	if cfg.KafkaConsumeEnable {
		var dlq *kafka.Producer
		if cfg.HarvestDLQTopic != "" {
			dlq = kafka.NewProducer(cfg.KafkaBrokers, cfg.HarvestDLQTopic)
			defer dlq.Close()
		}
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.HarvestTopic, cfg.KafkaGroupID, dlq)
		defer consumer.Close()
		go func() {
			if err := consumer.Consume(ctx, ingestion.HarvestHandler(svc)); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("harvest consumer stopped")
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.Cleanup(ctx); err != nil {
					logger.Log.WithError(err).Warn("cleanup job failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestion Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Ingestion Service stopped")
}
