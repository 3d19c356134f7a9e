package llm

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"google.golang.org/genai"
)

// maxGeminiResponseLogBytes is the max length of a Gemini response body to log in full (to avoid huge logs).
const maxGeminiResponseLogBytes = 8192

// httpClientForEndpoint returns an http.Client that rewrites request URLs to the given base endpoint (e.g. http://host.docker.internal:31300/gemini).
func httpClientForEndpoint(baseEndpoint string) *http.Client {
	base, err := url.Parse(baseEndpoint)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", baseEndpoint).Msg("Invalid GEMINI_API_ENDPOINT, using default")
		return nil
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	return &http.Client{
		Transport: &endpointRoundTripper{base: base, next: http.DefaultTransport},
	}
}

// endpointRoundTripper rewrites request URLs to a custom base (scheme, host, path prefix).
type endpointRoundTripper struct {
	base *url.URL
	next http.RoundTripper
}

func (e *endpointRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.URL.Scheme = e.base.Scheme
	req2.URL.Host = e.base.Host
	req2.URL.Path = path.Join(e.base.Path, strings.TrimPrefix(req.URL.Path, "/"))
	if req.URL.RawQuery != "" {
		req2.URL.RawQuery = req.URL.RawQuery
	}
	return e.next.RoundTrip(req2)
}

// logGeminiResponse logs Gemini response text, truncating if over maxGeminiResponseLogBytes.
func logGeminiResponse(caller, raw string) {
	if len(raw) <= maxGeminiResponseLogBytes {
		log.Debug().Str("caller", caller).Str("gemini_response", raw).Msg("Gemini response")
		return
	}
	log.Debug().
		Str("caller", caller).
		Str("gemini_response", raw[:maxGeminiResponseLogBytes]+"... [truncated]").
		Int("gemini_response_len", len(raw)).
		Msg("Gemini response")
}

// contentGenerator is the subset of *genai.Models used by the client.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client wraps the Gemini capabilities behind the illustration pipeline.
type Client struct {
	modelText   string // style resolution with Google Search grounding
	modelImage  string // image generation, e.g. gemini-3-pro-image-preview
	modelChat   string
	aspectRatio string
	models      contentGenerator // unified genai SDK; nil when no API key
	chatModel   llms.Model       // langchaingo googleai; nil when no API key
}

// NewClient creates a new LLM client.
// apiEndpoint: optional Gemini API base URL; when set, all Gemini calls use this endpoint.
// With an empty apiKey the client is built unconfigured and every call returns models.ErrNotConfigured.
func NewClient(apiKey, modelText, modelImage, modelChat, aspectRatio, apiEndpoint string) *Client {
	if modelText == "" {
		modelText = "gemini-3-pro-preview"
	}
	if modelImage == "" {
		modelImage = "gemini-3-pro-image-preview"
	}
	if modelChat == "" {
		modelChat = modelText
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}

	c := &Client{
		modelText:   modelText,
		modelImage:  modelImage,
		modelChat:   modelChat,
		aspectRatio: aspectRatio,
	}
	if apiKey == "" {
		log.Warn().Msg("API key not set; generation endpoints will report a configuration error")
		return c
	}

	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if apiEndpoint != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: apiEndpoint}
	}
	genaiClient, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize genai client")
	} else {
		c.models = genaiClient.Models
	}

	chatOpts := []googleai.Option{googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(modelChat)}
	if apiEndpoint != "" {
		if httpClient := httpClientForEndpoint(apiEndpoint); httpClient != nil {
			chatOpts = append(chatOpts, googleai.WithHTTPClient(httpClient))
		}
	}
	chatModel, err := googleai.New(context.Background(), chatOpts...)
	if err != nil {
		log.Error().Err(err).Str("model", modelChat).Msg("Failed to initialize chat model")
	} else {
		c.chatModel = chatModel
	}

	log.Info().
		Str("model_text", modelText).
		Str("model_image", modelImage).
		Str("model_chat", modelChat).
		Str("aspect_ratio", aspectRatio).
		Str("api_endpoint", apiEndpoint).
		Bool("genai_client", c.models != nil).
		Bool("chat_model", c.chatModel != nil).
		Msg("LLM client initialized")

	return c
}

// Configured reports whether the remote capabilities are available.
func (c *Client) Configured() bool {
	return c.models != nil && c.chatModel != nil
}

func previewText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
