package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/auth"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/grpcserver"
	"github.com/snappy-loop/picturebook/internal/kafka"
	"github.com/snappy-loop/picturebook/internal/llm"
	"github.com/snappy-loop/picturebook/internal/mcpserver"
	"github.com/snappy-loop/picturebook/internal/services"
	"github.com/snappy-loop/picturebook/internal/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Rendered images travel inline when S3 is off; 2K PNGs exceed the 4MB default.
const maxMessageSize = 32 << 20

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("version", version).Msg("Starting Picturebook Agents (gRPC + MCP)")

	if cfg.AgentsTokenHash == "" {
		log.Fatal().Msg("AGENTS_TOKEN_HASH is required; generate one with: illustrate -hash-token <token>")
	}
	authService, err := auth.NewService(cfg.AgentsTokenHash)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid AGENTS_TOKEN_HASH")
	}

	llmClient := llm.NewClient(
		cfg.GeminiAPIKey,
		cfg.GeminiModelText,
		cfg.GeminiModelImage,
		cfg.GeminiModelChat,
		cfg.ImageAspectRatio,
		cfg.GeminiAPIEndpoint,
	)
	if !llmClient.Configured() {
		log.Warn().Msg("API_KEY not set; every tool call will report a configuration error")
	}

	var events services.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
		defer producer.Close()
		events = producer
	}

	var images services.ImageStore
	if cfg.StorageEnabled() {
		storageClient, err := storage.NewClient(
			context.Background(),
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicURL,
		)
		if err != nil {
			log.Warn().Err(err).Msg("S3 not available; images will be returned inline")
		} else {
			images = storageClient
		}
	}

	svc := services.NewIllustrationService(llmClient, events, images, cfg)
	defer svc.Close()

	// gRPC server with auth; health stays open for probes
	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(grpcserver.AuthUnaryInterceptor(authService)),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	grpcserver.RegisterIllustrationServiceServer(grpcSrv, grpcserver.NewIllustrationServer(svc))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("Failed to listen for gRPC")
	}
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Error().Err(err).Msg("gRPC server error")
		}
	}()

	// MCP HTTP server with auth
	mcpSrv := mcpserver.NewServer(svc, version)
	mcpHandler := authService.Middleware(mcpSrv.Handler())
	mcpHTTP := &http.Server{
		Addr:              cfg.MCPAddr,
		Handler:           mcpHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout + 30*time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.MCPAddr).Msg("MCP server listening")
		if err := mcpHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("MCP HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down agents...")
	healthSrv.Shutdown()

	// Bounded graceful stop so gRPC cannot starve the MCP shutdown.
	grpcDone := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(grpcDone)
	}()
	select {
	case <-grpcDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("gRPC graceful stop timed out; stopping")
		grpcSrv.Stop()
		<-grpcDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("MCP HTTP shutdown error")
	}

	log.Info().Msg("Agents exited")
}
