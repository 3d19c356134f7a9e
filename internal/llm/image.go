package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
	"google.golang.org/genai"
)

// EffectiveImageSize maps a requested tier to the image sizes the Gemini image model accepts.
// The model has no 512 option, so 512 is sent as 1K. Other capabilities need their own mapping.
func EffectiveImageSize(size models.ImageSize) string {
	switch size {
	case models.ImageSize2K:
		return "2K"
	default:
		return "1K"
	}
}

// RenderIllustration renders the prompt into a single image at the requested tier.
// Returns models.ErrEmptyResult when no candidate part carries inline image data.
func (c *Client) RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	if c.models == nil {
		return nil, models.ErrNotConfigured
	}

	dispatched := EffectiveImageSize(size)
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig: &genai.ImageConfig{
			AspectRatio: c.aspectRatio,
			ImageSize:   dispatched,
		},
	}

	log.Debug().
		Str("model", c.modelImage).
		Str("size", string(size)).
		Str("dispatched_size", dispatched).
		Str("prompt", previewText(prompt, 50)).
		Msg("Rendering illustration")

	resp, err := c.models.GenerateContent(ctx, c.modelImage, genai.Text(prompt), config)
	if err != nil {
		return nil, err
	}

	blob, cand, part := firstInlineImage(resp)
	if blob == nil {
		candidates := 0
		if resp != nil {
			candidates = len(resp.Candidates)
		}
		log.Warn().
			Str("model", c.modelImage).
			Int("candidates", candidates).
			Msg("No inline image in Gemini response")
		return nil, models.ErrEmptyResult
	}

	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	log.Info().
		Str("caller", "RenderIllustration").
		Int("image_size_bytes", len(blob.Data)).
		Str("mime_type", mimeType).
		Str("dispatched_size", dispatched).
		Int("candidate", cand).
		Int("part", part).
		Msg("Gemini response (image blob)")

	return &models.RenderedImage{
		Data:           blob.Data,
		MimeType:       mimeType,
		Size:           size,
		DispatchedSize: dispatched,
		Model:          c.modelImage,
	}, nil
}

// firstInlineImage returns the first non-empty inline blob across all candidates and parts,
// with its candidate and part index.
func firstInlineImage(resp *genai.GenerateContentResponse) (*genai.Blob, int, int) {
	if resp == nil {
		return nil, -1, -1
	}
	for i, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for j, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return part.InlineData, i, j
		}
	}
	return nil, -1, -1
}

// String implements fmt.Stringer for log output of the client configuration.
func (c *Client) String() string {
	return fmt.Sprintf("llm.Client{text=%s image=%s chat=%s aspect=%s}", c.modelText, c.modelImage, c.modelChat, c.aspectRatio)
}
