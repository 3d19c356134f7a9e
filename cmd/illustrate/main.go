// Command illustrate drives one illustration session against a running API,
// mirroring the browser flow, and writes the image to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/agentsclient"
	"github.com/snappy-loop/picturebook/internal/auth"
	"github.com/snappy-loop/picturebook/internal/client"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/models"
	"github.com/snappy-loop/picturebook/internal/session"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], cfg.APIBaseURL, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Msg("illustrate failed")
		os.Exit(1)
	}
}

// backend is what the command needs from any transport.
type backend interface {
	session.Pipeline
	Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error)
}

func run(ctx context.Context, args []string, defaultAPI string, stdout io.Writer) error {
	fs := flag.NewFlagSet("illustrate", flag.ContinueOnError)
	transport := fs.String("transport", "http", "http (API), grpc or mcp (agents service)")
	apiURL := fs.String("api", defaultAPI, "base URL of the picturebook API")
	grpcTarget := fs.String("grpc", "localhost:9090", "agents gRPC address")
	mcpURL := fs.String("mcp", "http://localhost:9091/", "agents MCP endpoint")
	token := fs.String("token", os.Getenv("AGENTS_TOKEN"), "bearer token for the agents service")
	title := fs.String("title", "", "picture book whose style to match")
	story := fs.String("story", "", "story to illustrate")
	size := fs.String("size", string(models.ImageSize1K), "image size: 512, 1K or 2K")
	out := fs.String("out", "", "output file (default illustration.<ext>)")
	chat := fs.String("chat", "", "send one message to the Art Buddy instead of drawing")
	hashToken := fs.String("hash-token", "", "print the bcrypt hash of a token for AGENTS_TOKEN_HASH and exit")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, hash)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var c backend
	switch *transport {
	case "http":
		c = client.NewClient(*apiURL, &http.Client{})
	case agentsclient.TransportGRPC:
		ac, err := agentsclient.NewGRPCClient(*grpcTarget, *token)
		if err != nil {
			return err
		}
		defer ac.Close()
		c = ac
	case agentsclient.TransportMCP:
		ac, err := agentsclient.NewMCPClient(*mcpURL, *token, nil)
		if err != nil {
			return err
		}
		c = ac
	default:
		return fmt.Errorf("unknown transport %q", *transport)
	}

	if *chat != "" {
		reply, err := c.Respond(ctx, *chat, []models.ChatTurn{models.NewChatTurn(models.RoleAssistant, models.ChatIntroReply)})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	imageSize, err := models.ParseImageSize(*size)
	if err != nil {
		return err
	}

	sess := session.New(c)
	sess.Observe(func(state models.GenerationState) {
		switch {
		case state.Status == models.StatusError:
			fmt.Fprintln(stdout, "error:", state.Error)
		case state.Message != "":
			fmt.Fprintln(stdout, state.Message)
		}
	})

	if err := sess.Start(ctx, models.GenerationRequest{BookTitle: *title, StorySummary: *story, Size: imageSize}); err != nil {
		return err
	}
	result, ok := sess.Result()
	if !ok {
		return errors.New(sess.State().Error)
	}

	path := *out
	if path == "" {
		path = "illustration" + extension(result.Image.MimeType)
	}
	if err := os.WriteFile(path, result.Image.Data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	fmt.Fprintf(stdout, "prompt: %s\n", result.RefinedPrompt)
	fmt.Fprintf(stdout, "saved %s (%d bytes)\n", path, len(result.Image.Data))
	if result.Image.DownloadURL != "" {
		fmt.Fprintf(stdout, "download: %s\n", result.Image.DownloadURL)
	}
	return nil
}

func extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
