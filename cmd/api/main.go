package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/handlers"
	"github.com/snappy-loop/picturebook/internal/kafka"
	"github.com/snappy-loop/picturebook/internal/llm"
	"github.com/snappy-loop/picturebook/internal/metrics"
	"github.com/snappy-loop/picturebook/internal/services"
	"github.com/snappy-loop/picturebook/internal/storage"
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

	log.Info().Msg("Starting Picturebook API")

	llmClient := llm.NewClient(
		cfg.GeminiAPIKey,
		cfg.GeminiModelText,
		cfg.GeminiModelImage,
		cfg.GeminiModelChat,
		cfg.ImageAspectRatio,
		cfg.GeminiAPIEndpoint,
	)
	if !llmClient.Configured() {
		log.Warn().Msg("API_KEY not set; illustration and chat endpoints will report a configuration error")
	}

	var events services.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
		defer producer.Close()
		events = producer
	} else {
		log.Info().Msg("KAFKA_BROKERS not set; lifecycle events are not published")
	}

	var images services.ImageStore
	if cfg.StorageEnabled() {
		storageClient, err := storage.NewClient(
			context.Background(),
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicURL,
		)
		if err != nil {
			log.Warn().Err(err).Msg("S3 not available; images are returned inline only")
		} else {
			images = storageClient
		}
	}

	svc := services.NewIllustrationService(llmClient, events, images, cfg)
	defer svc.Close()
	h := handlers.NewHandler(svc, cfg)

	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.HandleFunc("/", h.Index).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/ws", h.SessionWS).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	api.HandleFunc("/refine", h.Refine).Methods("POST", "OPTIONS")
	api.HandleFunc("/generate", h.Generate).Methods("POST", "OPTIONS")
	api.HandleFunc("/chat", h.Chat).Methods("POST", "OPTIONS")

	// Rendering can take up to the upstream timeout; leave headroom for the response.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout + 30*time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down API...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("API exited")
}
