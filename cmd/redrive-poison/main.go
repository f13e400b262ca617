package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/roassist/intake/internal/intake"
)

func main() {
	dsn := os.Getenv("EVENTGRID_QUEUE_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		log.Fatalf("EVENTGRID_QUEUE_DSN or DATABASE_URL must be set")
	}
	queueName := os.Getenv("EVENTGRID_QUEUE_NAME")
	if queueName == "" {
		queueName = "ro-sftp-events"
	}
	poisonName := os.Getenv("EVENTGRID_QUEUE_POISON_NAME")
	if poisonName == "" {
		poisonName = queueName + "-poison"
	}

	primary, err := intake.BuildQueueFromDSN(dsn, queueName)
	if err != nil {
		log.Fatalf("failed to initialize queue: %v", err)
	}
	defer primary.Close()
	poison, err := intake.BuildQueueFromDSN(dsn, poisonName)
	if err != nil {
		log.Fatalf("failed to initialize poison queue: %v", err)
	}
	defer poison.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	redriver := intake.NewRedriver(intake.RedriveOptions{
		Poison:      poison,
		Primary:     primary,
		Logger:      logger,
		MaxMessages: intEnv("REDRIVE_MAX_MESSAGES", 100),
		BatchSize:   intEnv("REDRIVE_BATCH_SIZE", 16),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	moved, err := redriver.Run(ctx)
	if err != nil {
		log.Fatalf("redrive failed after moving %d messages: %v", moved, err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
