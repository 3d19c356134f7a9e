// Package session drives one caller's illustration request through
// idle -> searching -> generating -> complete|error.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

// User-facing status and error messages.
const (
	MessageSearching  = "Searching for book style..."
	MessageGenerating = "Painting your masterpiece..."
	MessageResolveErr = "Unable to analyze the book style. Please try again."
	MessageRenderErr  = "Failed to create the illustration."
	MessageCanceled   = "Generation canceled."
)

// Pipeline is the two-step generation backend. Implemented by the HTTP client
// on the caller side and by services.IllustrationService in-process.
type Pipeline interface {
	ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error)
	RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error)
}

// Observer is called with every state the session enters, in order. It must not
// call Start or StartAsync on the same session.
type Observer func(state models.GenerationState)

// Session holds a single GenerationState slot and at most one in-flight generation.
type Session struct {
	id       string
	pipeline Pipeline

	mu        sync.Mutex
	state     models.GenerationState
	result    *models.GenerationResult
	cancel    context.CancelFunc
	canceled  bool
	observers []Observer

	notifyMu sync.Mutex
}

// New creates an idle session.
func New(pipeline Pipeline) *Session {
	return &Session{
		id:       uuid.NewString(),
		pipeline: pipeline,
		state:    models.GenerationState{Status: models.StatusIdle},
	}
}

// ID returns the session identifier used in logs and events.
func (s *Session) ID() string {
	return s.id
}

// Observe registers fn for all subsequent transitions.
func (s *Session) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the current state.
func (s *Session) State() models.GenerationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a generation is in flight.
func (s *Session) Busy() bool {
	return s.State().Status.Busy()
}

// Result returns the refined prompt and image of the last generation. It is only set
// in the complete state.
func (s *Session) Result() (*models.GenerationResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != models.StatusComplete || s.result == nil {
		return nil, false
	}
	return s.result, true
}

// Start runs a generation to completion and returns its error, if any.
// Invalid requests are rejected with a ValidationError and a busy session with
// models.ErrBusy; neither changes the state.
func (s *Session) Start(ctx context.Context, req models.GenerationRequest) error {
	runCtx, cancel, err := s.begin(ctx, &req)
	if err != nil {
		return err
	}
	defer cancel()
	return s.run(runCtx, req)
}

// StartAsync validates and enters searching before returning; the rest of the
// generation runs in the background. The returned channel receives the terminal error
// (nil on success) and is then closed.
func (s *Session) StartAsync(ctx context.Context, req models.GenerationRequest) (<-chan error, error) {
	runCtx, cancel, err := s.begin(ctx, &req)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer cancel()
		done <- s.run(runCtx, req)
	}()
	return done, nil
}

// Cancel aborts the in-flight generation. The session then ends in error with
// MessageCanceled. Returns false when nothing was in flight.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Status.Busy() || s.cancel == nil {
		return false
	}
	s.canceled = true
	s.cancel()
	return true
}

func (s *Session) begin(ctx context.Context, req *models.GenerationRequest) (context.Context, context.CancelFunc, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.Status.Busy() {
		s.mu.Unlock()
		return nil, nil, models.ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.canceled = false
	s.result = nil
	state := models.GenerationState{Status: models.StatusSearching, Message: MessageSearching}
	s.state = state
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	log.Info().
		Str("session_id", s.id).
		Int("book_title_len", len(req.BookTitle)).
		Str("size", string(req.Size)).
		Msg("Generation started")

	for _, fn := range observers {
		fn(state)
	}
	return runCtx, cancel, nil
}

func (s *Session) run(ctx context.Context, req models.GenerationRequest) error {
	prompt, err := s.pipeline.ResolveStyle(ctx, req.BookTitle, req.StorySummary)
	if err == nil && strings.TrimSpace(prompt) == "" {
		err = &models.UpstreamError{Op: "resolve_style", Err: errors.New("empty prompt")}
	}
	if err != nil {
		return s.fail(err, MessageResolveErr)
	}

	s.transition(models.GenerationState{Status: models.StatusGenerating, Message: MessageGenerating}, nil)

	img, err := s.pipeline.RenderIllustration(ctx, prompt, req.Size)
	if err == nil && (img == nil || len(img.Data) == 0) {
		err = models.ErrEmptyResult
	}
	if err != nil {
		return s.fail(err, MessageRenderErr)
	}

	log.Info().
		Str("session_id", s.id).
		Str("size", string(req.Size)).
		Int("image_size_bytes", len(img.Data)).
		Msg("Generation complete")

	s.transition(models.GenerationState{Status: models.StatusComplete}, &models.GenerationResult{RefinedPrompt: prompt, Image: img})
	return nil
}

// fail moves to error. Configuration errors are shown verbatim, cancellation by
// Cancel gets its own message, everything else the step's generic message.
func (s *Session) fail(err error, stepMessage string) error {
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()

	msg := stepMessage
	switch {
	case errors.Is(err, models.ErrNotConfigured):
		msg = models.ErrNotConfigured.Error()
	case canceled:
		msg = MessageCanceled
	}

	log.Warn().
		Err(err).
		Str("session_id", s.id).
		Str("error_kind", models.ErrorKind(err)).
		Msg("Generation failed")

	s.transition(models.GenerationState{Status: models.StatusError, Error: msg}, nil)
	return err
}

func (s *Session) transition(state models.GenerationState, result *models.GenerationResult) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.state = state
	if result != nil {
		s.result = result
	}
	if !state.Status.Busy() {
		s.cancel = nil
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}
