package handlers

import (
	"bytes"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

type indexPageData struct {
	MaxTitleLength int
	MaxStoryLength int
	Sizes          []models.ImageSize
	DefaultSize    models.ImageSize
	IntroReply     string
	Configured     bool
}

// Index serves GET / with the illustration studio page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	data := indexPageData{
		MaxTitleLength: h.maxTitleLength,
		MaxStoryLength: h.maxStoryLength,
		Sizes:          []models.ImageSize{models.ImageSize512, models.ImageSize1K, models.ImageSize2K},
		DefaultSize:    models.ImageSize1K,
		IntroReply:     models.ChatIntroReply,
		Configured:     h.svc.Configured(),
	}
	var buf bytes.Buffer
	if err := executeTemplate(&buf, "index", data); err != nil {
		log.Error().Err(err).Msg("Failed to render index page")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
