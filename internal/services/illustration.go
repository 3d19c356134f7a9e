package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/metrics"
	"github.com/snappy-loop/picturebook/internal/models"
)

// Upstream operation names used in errors, logs and metrics.
const (
	OpResolveStyle       = "resolve_style"
	OpRenderIllustration = "render_illustration"
	OpChat               = "chat"
)

const (
	eventQueueSize      = 256
	eventPublishTimeout = 10 * time.Second
)

// IllustrationService validates requests and runs them against the generative capability
// with a bounded wait.
type IllustrationService struct {
	llm     Capability
	events  EventPublisher
	images  ImageStore
	timeout time.Duration

	maxTitleLength   int
	maxStoryLength   int
	chatHistoryLimit int

	queue     chan *models.Event
	stop      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

// NewIllustrationService creates a new IllustrationService. events and images may be nil.
// With a publisher, events are sent from a background goroutine; call Close to flush it.
func NewIllustrationService(llm Capability, events EventPublisher, images ImageStore, cfg *config.Config) *IllustrationService {
	s := &IllustrationService{
		llm:              llm,
		events:           events,
		images:           images,
		timeout:          cfg.UpstreamTimeout,
		maxTitleLength:   cfg.MaxTitleLength,
		maxStoryLength:   cfg.MaxStoryLength,
		chatHistoryLimit: cfg.ChatHistoryLimit,
	}
	if events != nil {
		s.queue = make(chan *models.Event, eventQueueSize)
		s.stop = make(chan struct{})
		s.drained = make(chan struct{})
		go s.drainEvents()
	}
	return s
}

// Close sends the queued events and stops the publishing goroutine.
func (s *IllustrationService) Close() {
	if s.queue == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.drained
}

// Configured reports whether the API key for the generative capability is present.
func (s *IllustrationService) Configured() bool {
	return s.llm != nil && s.llm.Configured()
}

// ResolveStyle turns a book title and a story into a rendering prompt.
func (s *IllustrationService) ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error) {
	bookTitle = strings.TrimSpace(bookTitle)
	storySummary = strings.TrimSpace(storySummary)
	if err := s.validateStory(bookTitle, storySummary); err != nil {
		return "", err
	}
	if !s.Configured() {
		return "", models.ErrNotConfigured
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	prompt, err := s.llm.ResolveStyle(ctx, bookTitle, storySummary)
	if err == nil && strings.TrimSpace(prompt) == "" {
		err = errors.New("empty prompt")
	}
	if err != nil {
		err = upstream(OpResolveStyle, err)
		metrics.ObserveLLMCall(OpResolveStyle, models.ErrorKind(err), start)
		log.Error().Err(err).Str("error_kind", models.ErrorKind(err)).Msg("Style resolution failed")
		return "", err
	}
	metrics.ObserveLLMCall(OpResolveStyle, models.KindNone, start)
	return strings.TrimSpace(prompt), nil
}

// RenderIllustration renders prompt at the requested tier. An empty size means 1K.
// When an image store is configured, a copy is uploaded and its link set as DownloadURL.
func (s *IllustrationService) RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, &models.ValidationError{Field: "refinedPrompt", Message: "refined prompt is required"}
	}
	if size == "" {
		size = models.ImageSize1K
	}
	if !size.Valid() {
		return nil, &models.ValidationError{Field: "size", Message: fmt.Sprintf("size must be one of 512, 1K, 2K (got %q)", size)}
	}
	if !s.Configured() {
		return nil, models.ErrNotConfigured
	}

	callCtx, cancel := s.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	img, err := s.llm.RenderIllustration(callCtx, prompt, size)
	if err == nil && (img == nil || len(img.Data) == 0) {
		err = models.ErrEmptyResult
	}
	if err != nil {
		err = upstream(OpRenderIllustration, err)
		metrics.ObserveLLMCall(OpRenderIllustration, models.ErrorKind(err), start)
		log.Error().Err(err).Str("size", string(size)).Str("error_kind", models.ErrorKind(err)).Msg("Illustration rendering failed")
		return nil, err
	}
	metrics.ObserveLLMCall(OpRenderIllustration, models.KindNone, start)
	metrics.ImagesRendered.WithLabelValues(string(size), img.DispatchedSize).Inc()

	if s.images != nil {
		s.storeCopy(ctx, img)
	}
	return img, nil
}

// storeCopy uploads img and sets its DownloadURL. Failures are logged only.
func (s *IllustrationService) storeCopy(ctx context.Context, img *models.RenderedImage) {
	key := fmt.Sprintf("illustrations/%s%s", uuid.NewString(), extensionFor(img.MimeType))
	if err := s.images.Upload(ctx, key, bytes.NewReader(img.Data), img.MimeType, int64(len(img.Data))); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to store illustration copy")
		return
	}
	url, err := s.images.DownloadURL(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to build illustration download URL")
		return
	}
	img.DownloadURL = url
}

// Respond returns the assistant reply to message. Upstream failures are replaced by
// models.ChatFallbackReply and logged with their real kind; the only errors returned are
// models.ErrNotConfigured and a ValidationError for a blank message.
func (s *IllustrationService) Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &models.ValidationError{Field: "message", Message: "message is required"}
	}
	if !s.Configured() {
		return "", models.ErrNotConfigured
	}

	callCtx, cancel := s.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	reply, err := s.llm.Respond(callCtx, message, s.capHistory(history))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		err = upstream(OpChat, err)
		kind := models.ErrorKind(err)
		metrics.ObserveLLMCall(OpChat, kind, start)
		metrics.ChatFallbacks.Inc()
		log.Warn().Err(err).Str("error_kind", kind).Int("history_turns", len(history)).Msg("Chat reply replaced by fallback")
		s.publish(ctx, &models.Event{Type: models.EventChatFallback, ErrorKind: kind})
		return models.ChatFallbackReply, nil
	}
	metrics.ObserveLLMCall(OpChat, models.KindNone, start)
	return strings.TrimSpace(reply), nil
}

// capHistory keeps the most recent turns, oldest first.
func (s *IllustrationService) capHistory(history []models.ChatTurn) []models.ChatTurn {
	if s.chatHistoryLimit <= 0 {
		return nil
	}
	if len(history) > s.chatHistoryLimit {
		return history[len(history)-s.chatHistoryLimit:]
	}
	return history
}

// PublishEvent queues a lifecycle event when a publisher is configured. It never blocks;
// when the queue is full the event is dropped and logged.
func (s *IllustrationService) PublishEvent(ctx context.Context, event *models.Event) {
	s.publish(ctx, event)
}

func (s *IllustrationService) publish(_ context.Context, event *models.Event) {
	if s.queue == nil {
		return
	}
	full := models.NewEvent(event.Type)
	full.SessionID = event.SessionID
	full.Status = event.Status
	full.ErrorKind = event.ErrorKind
	full.Message = event.Message
	full.Size = event.Size
	select {
	case s.queue <- full:
	default:
		log.Warn().Str("event_type", full.Type).Str("session_id", full.SessionID).Msg("Event queue full, dropping lifecycle event")
	}
}

func (s *IllustrationService) drainEvents() {
	defer close(s.drained)
	for {
		select {
		case event := <-s.queue:
			s.sendEvent(event)
		case <-s.stop:
			for {
				select {
				case event := <-s.queue:
					s.sendEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (s *IllustrationService) sendEvent(event *models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if err := s.events.PublishEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish lifecycle event")
	}
}

func (s *IllustrationService) validateStory(bookTitle, storySummary string) error {
	if bookTitle == "" {
		return &models.ValidationError{Field: "bookTitle", Message: "book title is required"}
	}
	if storySummary == "" {
		return &models.ValidationError{Field: "userStory", Message: "story is required"}
	}
	if s.maxTitleLength > 0 && utf8.RuneCountInString(bookTitle) > s.maxTitleLength {
		return &models.ValidationError{Field: "bookTitle", Message: fmt.Sprintf("book title must be at most %d characters", s.maxTitleLength)}
	}
	if s.maxStoryLength > 0 && utf8.RuneCountInString(storySummary) > s.maxStoryLength {
		return &models.ValidationError{Field: "userStory", Message: fmt.Sprintf("story must be at most %d characters", s.maxStoryLength)}
	}
	return nil
}

func (s *IllustrationService) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// upstream wraps err as an UpstreamError unless it is a configuration error.
func upstream(op string, err error) error {
	var upstreamErr *models.UpstreamError
	if errors.Is(err, models.ErrNotConfigured) || errors.As(err, &upstreamErr) {
		return err
	}
	return &models.UpstreamError{Op: op, Err: err}
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
