package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/models"
)

// illustrationService is the subset of services.IllustrationService used by the handlers.
type illustrationService interface {
	Configured() bool
	ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error)
	RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error)
	Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error)
	PublishEvent(ctx context.Context, event *models.Event)
}

// Handler contains all HTTP handlers
type Handler struct {
	svc            illustrationService
	maxTitleLength int
	maxStoryLength int
}

// NewHandler creates a new handler
func NewHandler(svc illustrationService, cfg *config.Config) *Handler {
	return &Handler{
		svc:            svc,
		maxTitleLength: cfg.MaxTitleLength,
		maxStoryLength: cfg.MaxStoryLength,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"configured": h.svc.Configured(),
	})
}

// writeServiceError maps the error taxonomy onto a status code and {"error": ...} body.
func writeServiceError(w http.ResponseWriter, err error) {
	switch models.ErrorKind(err) {
	case models.KindValidation:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case models.KindConfiguration:
		writeJSONError(w, http.StatusInternalServerError, models.ErrNotConfigured.Error())
	case models.KindEmptyResult:
		writeJSONError(w, http.StatusBadGateway, models.ErrEmptyResult.Error())
	case models.KindTimeout:
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
