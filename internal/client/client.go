// Package client calls the picturebook HTTP API from Go, the same way the browser UI does.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

// Client calls /api/refine, /api/generate and /api/chat on a running API.
type Client struct {
	baseURL string
	httpCli *http.Client
}

// NewClient returns a client for the API at baseURL (e.g. http://localhost:8080).
// A nil httpClient uses a client with a 3 minute timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpCli: httpClient,
	}
}

// ResolveStyle returns the refined prompt for a book title and story.
func (c *Client) ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error) {
	var resp models.RefineResponse
	if err := c.post(ctx, "/api/refine", "resolve_style", models.RefineRequest{BookTitle: bookTitle, UserStory: storySummary}, &resp); err != nil {
		return "", err
	}
	return resp.RefinedPrompt, nil
}

// RenderIllustration renders prompt and decodes the returned data URI.
func (c *Client) RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	var resp models.GenerateResponse
	if err := c.post(ctx, "/api/generate", "render_illustration", models.GenerateRequest{RefinedPrompt: prompt, Size: size}, &resp); err != nil {
		return nil, err
	}
	if resp.ImageURL == "" {
		return nil, &models.UpstreamError{Op: "render_illustration", Err: models.ErrEmptyResult}
	}
	mimeType, data, err := models.ParseDataURI(resp.ImageURL)
	if err != nil {
		return nil, &models.UpstreamError{Op: "render_illustration", Err: err}
	}
	return &models.RenderedImage{
		Data:        data,
		MimeType:    mimeType,
		Size:        size,
		DownloadURL: resp.DownloadURL,
	}, nil
}

// Respond sends a chat message with the prior turns. Every failure, including a
// missing server API key, yields models.ChatFallbackReply; the error is always nil.
func (c *Client) Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	req := models.ChatRequest{Message: message, History: make([]models.ChatHistoryItem, 0, len(history))}
	for _, turn := range history {
		role := string(turn.Role)
		if turn.Role == models.RoleAssistant {
			role = "model"
		}
		item := models.ChatHistoryItem{ID: turn.ID, Role: role, Text: turn.Text}
		if !turn.Timestamp.IsZero() {
			item.Timestamp = turn.Timestamp.UnixMilli()
		}
		req.History = append(req.History, item)
	}

	var resp models.ChatResponse
	err := c.post(ctx, "/api/chat", "chat", req, &resp)
	if err != nil || strings.TrimSpace(resp.Response) == "" {
		log.Warn().Err(err).Str("error_kind", models.ErrorKind(err)).Msg("Chat request failed, using fallback reply")
		return models.ChatFallbackReply, nil
	}
	return resp.Response, nil
}

func (c *Client) post(ctx context.Context, path, op string, body, out interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return &models.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.UpstreamError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps a non-2xx {"error": "..."} response back onto the error taxonomy.
func statusError(op string, resp *http.Response) error {
	var errBody struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &errBody)
	msg := errBody.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch {
	case msg == models.ErrNotConfigured.Error():
		return models.ErrNotConfigured
	case resp.StatusCode == http.StatusBadRequest:
		return &models.ValidationError{Message: msg}
	case msg == models.ErrEmptyResult.Error():
		return &models.UpstreamError{Op: op, Err: models.ErrEmptyResult}
	default:
		return &models.UpstreamError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
}
