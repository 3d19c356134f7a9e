package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
	"google.golang.org/genai"
)

// FallbackStyle is used whenever the book's own style cannot be identified with confidence.
const FallbackStyle = "bright engaging cartoon style suitable for a young child"

const styleSystemInstruction = "You are an expert art director and prompt engineer."

// errEmptyPrompt is returned when the model answers with no usable text.
var errEmptyPrompt = errors.New("model returned an empty prompt")

// buildStylePrompt builds the search-grounded instruction for a title and a child's story.
func buildStylePrompt(bookTitle, storySummary string) string {
	return fmt.Sprintf(`You are a specialized creative assistant for a children's book illustration app.

Task:
1. Use Google Search to find information about the picture book titled "%[1]s". Focus on its visual art style (e.g. watercolor, collage, digital, pencil sketch), color palette, technique and character design traits.
2. If you cannot confidently identify this specific book or its illustration style, do not guess. Use this style instead: %[3]s.
3. Read the following story summary provided by a child: "%[2]s".
4. Based on the resolved style and the child's story, write ONE highly detailed image generation prompt in English.
5. The prompt must explicitly describe the medium, art style, color palette, lighting and mood.
6. Do NOT output any explanation. Output ONLY the raw image generation prompt text in English.`,
		strings.TrimSpace(bookTitle), strings.TrimSpace(storySummary), FallbackStyle)
}

// ResolveStyle looks up the visual style of the named picture book and returns a single
// rendering prompt that combines that style with the story.
func (c *Client) ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error) {
	if c.models == nil {
		return "", models.ErrNotConfigured
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(styleSystemInstruction, genai.RoleUser),
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}

	log.Debug().
		Str("model", c.modelText).
		Int("book_title_len", len(bookTitle)).
		Int("story_len", len(storySummary)).
		Msg("Resolving book style with Google Search grounding")

	resp, err := c.models.GenerateContent(ctx, c.modelText, genai.Text(buildStylePrompt(bookTitle, storySummary)), config)
	if err != nil {
		return "", err
	}
	if resp == nil {
		log.Warn().Str("model", c.modelText).Msg("Style resolution returned no response")
		return "", errEmptyPrompt
	}

	prompt := strings.TrimSpace(resp.Text())
	logGeminiResponse("ResolveStyle", prompt)
	if prompt == "" {
		log.Warn().Str("model", c.modelText).Int("candidates", len(resp.Candidates)).Msg("Style resolution returned no text")
		return "", errEmptyPrompt
	}

	log.Info().
		Int("prompt_length", len(prompt)).
		Str("prompt_preview", previewText(prompt, 80)).
		Msg("Style resolution complete")

	return prompt, nil
}
