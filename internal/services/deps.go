package services

import (
	"context"
	"io"

	"github.com/snappy-loop/picturebook/internal/models"
)

// Capability is the generative backend used by IllustrationService (llm.Client in production).
type Capability interface {
	Configured() bool
	ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error)
	RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error)
	Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error)
}

// EventPublisher publishes lifecycle events (e.g. to Kafka). May be nil to skip publishing.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *models.Event) error
}

// ImageStore keeps downloadable copies of rendered images (e.g. S3). May be nil.
type ImageStore interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) error
	DownloadURL(ctx context.Context, key string) (string, error)
}
