package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

// requireConfigured writes the configuration error and returns false when no API key is set.
// Checked before the body is read so that no external call is ever attempted.
func (h *Handler) requireConfigured(w http.ResponseWriter) bool {
	if h.svc.Configured() {
		return true
	}
	writeJSONError(w, http.StatusInternalServerError, models.ErrNotConfigured.Error())
	return false
}

// Refine handles POST /api/refine
func (h *Handler) Refine(w http.ResponseWriter, r *http.Request) {
	if !h.requireConfigured(w) {
		return
	}
	var req models.RefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prompt, err := h.svc.ResolveStyle(r.Context(), req.BookTitle, req.UserStory)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RefineResponse{RefinedPrompt: prompt})
}

// Generate handles POST /api/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if !h.requireConfigured(w) {
		return
	}
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	size := req.Size
	if size != "" {
		parsed, err := models.ParseImageSize(string(size))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		size = parsed
	}

	img, err := h.svc.RenderIllustration(r.Context(), req.RefinedPrompt, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.GenerateResponse{ImageURL: img.DataURI(), DownloadURL: img.DownloadURL})
}

// Chat handles POST /api/chat. Upstream failures still answer 200 with the fallback reply.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.requireConfigured(w) {
		return
	}
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.svc.Respond(r.Context(), req.Message, req.Turns())
	if err != nil {
		log.Warn().Err(err).Msg("Chat request rejected")
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ChatResponse{Response: reply})
}
