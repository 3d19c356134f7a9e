package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/database"
	"github.com/snappy-loop/picturebook/internal/kafka"
	"github.com/snappy-loop/picturebook/migrations"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting Picturebook event worker")

	if cfg.DatabaseURL == "" || len(cfg.KafkaBrokers) == 0 {
		log.Fatal().Msg("DATABASE_URL and KAFKA_BROKERS are required for the worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := migrations.Run(db.DB); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	eventRepo := database.NewEventRepository(db)
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopicEvents, cfg.KafkaConsumerGroup, eventRepo)
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	log.Info().Str("topic", cfg.KafkaTopicEvents).Msg("Worker started, recording events...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	log.Info().Msg("Worker exited")
}
