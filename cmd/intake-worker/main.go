package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/roassist/intake/internal/intake"
)

func main() {
	cfg, err := intake.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, closeLogs := intake.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() {
		if err := closeLogs(); err != nil {
			log.Printf("failed to close log file: %v", err)
		}
	}()

	store, err := intake.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	blobs, err := intake.NewMinioStore(cfg.StorageEndpoint, cfg.StorageAccessKey, cfg.StorageSecretKey, cfg.StorageUseSSL)
	if err != nil {
		log.Fatalf("failed to initialize object storage client: %v", err)
	}

	queue, err := intake.BuildQueueFromDSN(cfg.QueueDSN, cfg.QueueName)
	if err != nil {
		log.Fatalf("failed to initialize queue: %v", err)
	}
	defer queue.Close()
	poison, err := intake.BuildQueueFromDSN(cfg.QueueDSN, cfg.PoisonQueueName)
	if err != nil {
		log.Fatalf("failed to initialize poison queue: %v", err)
	}
	defer poison.Close()

	var cache intake.StatusCache
	if cfg.RedisAddr != "" {
		cache, err = intake.NewRedisStatusCache(cfg.RedisAddr)
		if err != nil {
			logger.Warn("status_cache_unavailable", "addr", cfg.RedisAddr, "error", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	ingestClient := intake.NewIngestClient(intake.IngestClientOptions{
		URL:           cfg.IngestAPIURL,
		Audience:      cfg.IngestAudience,
		TokenProvider: intake.StaticTokenProvider(cfg.IngestToken),
		Timeout:       cfg.IngestTimeout,
	})

	processor := intake.NewProcessor(intake.ProcessorOptions{
		Container:            cfg.Container,
		AllowedExtension:     cfg.AllowedExtension,
		MaxBytes:             cfg.MaxBytes,
		RequireWellFormedXML: cfg.RequireWellFormedXML,
		Ledger:               store,
		Blobs:                blobs,
		Ingest:               ingestClient,
		Cache:                cache,
		Logger:               logger,
	})
	metrics := intake.NewAggregator(cfg.WorkerID, store, logger, cfg.MetricsLogEvery, cfg.MetricsFlushEvery)

	consumer := intake.NewConsumer(intake.ConsumerOptions{
		Queue:             queue,
		Poison:            poison,
		Processor:         processor,
		Metrics:           metrics,
		Logger:            logger,
		PollInterval:      cfg.PollInterval,
		BatchSize:         cfg.BatchSize,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxDequeueCount:   cfg.MaxDequeueCount,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}
