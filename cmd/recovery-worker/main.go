package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/conversation-recovery/cmd/mainconfig"
	"github.com/wolfman30/conversation-recovery/internal/api/router"
	"github.com/wolfman30/conversation-recovery/internal/app/bootstrap"
	"github.com/wolfman30/conversation-recovery/internal/archive"
	appconfig "github.com/wolfman30/conversation-recovery/internal/config"
	"github.com/wolfman30/conversation-recovery/internal/http/handlers"
	"github.com/wolfman30/conversation-recovery/internal/ingest"
	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/internal/review"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("recovery-worker")
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recoveryMetrics := metrics.NewRecoveryMetrics(nil)

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	clients := mainconfig.NewClients(awsConfig, cfg)

	// Local runs use the in-memory queue and skip DynamoDB job tracking.
	var (
		queue    ingest.Queue
		recorder ingest.JobRecorder
		updater  ingest.JobUpdater
		reader   handlers.JobReader
	)
	if cfg.UseMemoryQueue {
		logger.Warn("using in-memory recovery queue; jobs are lost on restart")
		queue = ingest.NewMemoryQueue(0)
	} else {
		queue = ingest.NewSQSQueue(clients.SQS, cfg.RecoveryQueueURL,
			ingest.WithVisibility(cfg.QueueVisibility),
			ingest.WithQueueLogger(logger),
		)
		jobStore := ingest.NewJobStore(clients.DynamoDB, cfg.RecoveryJobsTable, logger)
		recorder, updater, reader = jobStore, jobStore, jobStore
	}

	var (
		sqlDB       *sql.DB
		pool        *pgxpool.Pool
		redisClient *redis.Client
	)
	if cfg.DatabaseURL != "" {
		if sqlDB, err = bootstrap.OpenSQLDB(ctx, cfg); err != nil {
			logger.Error("failed to open review database", "error", err)
			os.Exit(1)
		}
		defer sqlDB.Close()
	}
	if cfg.SpeakerProfileBackend == appconfig.ProfileBackendPostgres {
		if pool, err = bootstrap.BuildPostgresPool(ctx, cfg); err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}
	if cfg.SpeakerProfileBackend == appconfig.ProfileBackendRedis {
		if redisClient = bootstrap.BuildRedisClient(ctx, cfg, logger, true); redisClient != nil {
			defer redisClient.Close()
		}
	}

	profiles, err := bootstrap.BuildProfileStore(cfg, redisClient, pool, logger)
	if err != nil {
		logger.Error("failed to build speaker profile store", "error", err)
		os.Exit(1)
	}
	baseProfile, err := bootstrap.LoadBaseProfile(cfg)
	if err != nil {
		logger.Error("failed to load speaker profile", "error", err)
		os.Exit(1)
	}

	store := archive.NewStore(clients.S3, cfg.ExportBucket, cfg.ResultsBucket, logger, archive.WithRedaction(cfg.RedactResults))
	processorOpts := []ingest.ProcessorOption{
		ingest.WithProfileStore(profiles),
		ingest.WithBaseProfile(baseProfile),
		ingest.WithEngineOptions(bootstrap.EngineOptions(cfg, logger, recoveryMetrics)...),
		ingest.WithProcessorLogger(logger),
		ingest.WithProcessorMetrics(recoveryMetrics),
	}
	if store.Enabled() {
		processorOpts = append(processorOpts, ingest.WithResultSink(store))
	} else {
		logger.Warn("RESULTS_BUCKET not set; recovery reports are not archived")
	}

	var (
		reviewStore    handlers.ReviewStore
		reviewResolver ingest.ReviewResolver
	)
	if sqlDB != nil {
		repo := review.NewRepository(sqlDB)
		processorOpts = append(processorOpts, ingest.WithReviewQueue(repo))
		reviewStore, reviewResolver = repo, repo
	} else {
		logger.Warn("DATABASE_URL not set; rows needing review are only counted")
	}

	processor := ingest.NewProcessor(store, processorOpts...)
	corrections := ingest.NewCorrections(profiles, baseProfile, reviewResolver, logger)

	worker := ingest.NewWorker(
		processor,
		queue,
		updater,
		logger,
		recoveryMetrics,
		ingest.WithWorkerCount(cfg.WorkerCount),
		ingest.WithReceiveWaitSeconds(cfg.ReceiveWaitSeconds),
	)
	worker.Start(ctx)

	server := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: router.New(&router.Config{
			Logger:         logger,
			JobsHandler:    handlers.NewJobsHandler(ingest.NewPublisher(queue, recorder), reader, logger),
			ReviewHandler:  handlers.NewReviewHandler(reviewStore, corrections, logger),
			MetricsHandler: promhttp.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("recovery worker listening", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down recovery worker...")

	doneCtx, doneCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer doneCancel()

	if err := server.Shutdown(doneCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("recovery worker stopped")
	case <-doneCtx.Done():
		logger.Error("recovery worker shutdown timed out", "error", doneCtx.Err())
	}
}
