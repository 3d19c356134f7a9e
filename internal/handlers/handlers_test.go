package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snappy-loop/picturebook/internal/config"
	"github.com/snappy-loop/picturebook/internal/models"
	"github.com/snappy-loop/picturebook/internal/services"
)

// fakeService is a minimal illustrationService for tests.
type fakeService struct {
	configured   bool
	resolveStyle func(context.Context, string, string) (string, error)
	render       func(context.Context, string, models.ImageSize) (*models.RenderedImage, error)
	respond      func(context.Context, string, []models.ChatTurn) (string, error)

	mu     sync.Mutex
	calls  int
	events []*models.Event
}

func (f *fakeService) Configured() bool { return f.configured }

func (f *fakeService) ResolveStyle(ctx context.Context, title, story string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.resolveStyle != nil {
		return f.resolveStyle(ctx, title, story)
	}
	if strings.TrimSpace(title) == "" {
		return "", &models.ValidationError{Field: "bookTitle", Message: "book title is required"}
	}
	return "A tissue-paper collage of " + story, nil
}

func (f *fakeService) RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.render != nil {
		return f.render(ctx, prompt, size)
	}
	return &models.RenderedImage{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png", Size: size}, nil
}

func (f *fakeService) Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, message, history)
	}
	return "Yay! 🎉", nil
}

func (f *fakeService) PublishEvent(_ context.Context, e *models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func newTestHandler(svc *fakeService) *Handler {
	return NewHandler(svc, &config.Config{MaxTitleLength: 200, MaxStoryLength: 2000})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

// TestNotConfigured asserts the fixed 500 body on every endpoint and that no call is made.
func TestNotConfigured(t *testing.T) {
	svc := &fakeService{configured: false}
	h := newTestHandler(svc)

	for path, fn := range map[string]http.HandlerFunc{
		"/api/refine":   h.Refine,
		"/api/generate": h.Generate,
		"/api/chat":     h.Chat,
	} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"bookTitle":"a","userStory":"b","refinedPrompt":"p","message":"hi"}`))
		rec := httptest.NewRecorder()
		fn(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", path, rec.Code)
		}
		if msg := decodeError(t, rec); msg != "API_KEY not configured on server" {
			t.Errorf("%s: error = %q", path, msg)
		}
	}
	if svc.calls != 0 {
		t.Errorf("service called %d times", svc.calls)
	}
}

func TestRefine(t *testing.T) {
	h := newTestHandler(&fakeService{configured: true})

	req := httptest.NewRequest(http.MethodPost, "/api/refine", bytes.NewBufferString(`{"bookTitle":"The Very Hungry Caterpillar","userStory":"a caterpillar eats a giant pizza"}`))
	rec := httptest.NewRecorder()
	h.Refine(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.RefineResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(resp.RefinedPrompt, "giant pizza") {
		t.Errorf("refinedPrompt = %q", resp.RefinedPrompt)
	}
}

func TestRefine_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		svc    *fakeService
		status int
	}{
		{"invalid json", `{invalid`, &fakeService{configured: true}, http.StatusBadRequest},
		{"validation", `{"bookTitle":"","userStory":"x"}`, &fakeService{configured: true}, http.StatusBadRequest},
		{"upstream", `{"bookTitle":"a","userStory":"b"}`, &fakeService{configured: true, resolveStyle: func(context.Context, string, string) (string, error) {
			return "", &models.UpstreamError{Op: "resolve_style", Err: errors.New("503")}
		}}, http.StatusBadGateway},
		{"timeout", `{"bookTitle":"a","userStory":"b"}`, &fakeService{configured: true, resolveStyle: func(context.Context, string, string) (string, error) {
			return "", &models.UpstreamError{Op: "resolve_style", Err: context.DeadlineExceeded}
		}}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestHandler(tt.svc).Refine(rec, httptest.NewRequest(http.MethodPost, "/api/refine", bytes.NewBufferString(tt.body)))
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	var gotSize models.ImageSize
	svc := &fakeService{configured: true, render: func(_ context.Context, _ string, size models.ImageSize) (*models.RenderedImage, error) {
		gotSize = size
		return &models.RenderedImage{Data: []byte("img"), MimeType: "image/png", DownloadURL: "https://cdn/x.png"}, nil
	}}
	rec := httptest.NewRecorder()
	newTestHandler(svc).Generate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(`{"refinedPrompt":"a cat","size":"2k"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.GenerateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ImageURL, "data:image/png;base64,") || resp.DownloadURL != "https://cdn/x.png" {
		t.Errorf("response = %+v", resp)
	}
	if gotSize != models.ImageSize2K {
		t.Errorf("size = %q", gotSize)
	}
}

func TestGenerate_PNGDataURI(t *testing.T) {
	for _, mimeType := range []string{"", "image/png"} {
		svc := &fakeService{configured: true, render: func(context.Context, string, models.ImageSize) (*models.RenderedImage, error) {
			return &models.RenderedImage{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: mimeType}, nil
		}}
		rec := httptest.NewRecorder()
		newTestHandler(svc).Generate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(`{"refinedPrompt":"a cat"}`)))

		var resp models.GenerateResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("mime %q: decode response: %v", mimeType, err)
		}
		if resp.ImageURL != "data:image/png;base64,iVBORw==" {
			t.Errorf("mime %q: imageUrl = %q", mimeType, resp.ImageURL)
		}
	}
}

func TestGenerate_Errors(t *testing.T) {
	empty := &fakeService{configured: true, render: func(context.Context, string, models.ImageSize) (*models.RenderedImage, error) {
		return nil, &models.UpstreamError{Op: "render_illustration", Err: models.ErrEmptyResult}
	}}
	rec := httptest.NewRecorder()
	newTestHandler(empty).Generate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(`{"refinedPrompt":"a cat","size":"1K"}`)))
	if rec.Code != http.StatusBadGateway || decodeError(t, rec) != "No image generated" {
		t.Errorf("empty result: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newTestHandler(&fakeService{configured: true}).Generate(rec, httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(`{"refinedPrompt":"a cat","size":"4K"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad size: expected 400, got %d", rec.Code)
	}
}

func TestChat(t *testing.T) {
	var gotHistory []models.ChatTurn
	svc := &fakeService{configured: true, respond: func(_ context.Context, msg string, history []models.ChatTurn) (string, error) {
		gotHistory = history
		return "Dragons love tacos! 🌮", nil
	}}
	body := `{"message":"what do dragons eat?","history":[{"id":"intro","role":"model","text":"Hi there!","timestamp":1700000000000}]}`
	rec := httptest.NewRecorder()
	newTestHandler(svc).Chat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.ChatResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Response != "Dragons love tacos! 🌮" {
		t.Errorf("response = %q", resp.Response)
	}
	if len(gotHistory) != 1 || gotHistory[0].Role != models.RoleAssistant {
		t.Errorf("history = %+v", gotHistory)
	}

	rec = httptest.NewRecorder()
	newTestHandler(svc).Chat(rec, httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(`{"message":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message: expected 400, got %d", rec.Code)
	}
}

func TestIndexAndHealth(t *testing.T) {
	h := newTestHandler(&fakeService{configured: true})

	rec := httptest.NewRecorder()
	h.Index(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("index: %d", rec.Code)
	}
	page := rec.Body.String()
	for _, want := range []string{`value="512"`, `value="1K" checked`, `value="2K"`, "Art Buddy", `maxlength="200"`, "if (!res.ok)", models.ChatFallbackReply} {
		if !strings.Contains(page, want) {
			t.Errorf("index page missing %q", want)
		}
	}

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"configured":true`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func dialSession(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.SessionWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOut(t *testing.T, conn *websocket.Conn) sessionWSOutMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg sessionWSOutMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSessionWS_Generate(t *testing.T) {
	svc := &fakeService{configured: true}
	conn := dialSession(t, newTestHandler(svc))

	if msg := readOut(t, conn); msg.Status != models.StatusIdle {
		t.Fatalf("initial state = %+v", msg)
	}
	if err := conn.WriteJSON(sessionWSInMessage{Type: "generate", BookTitle: "The Very Hungry Caterpillar", UserStory: "a caterpillar eats a giant pizza", Size: "512"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var statuses []models.GenerationStatus
	var last sessionWSOutMessage
	for len(statuses) < 3 {
		last = readOut(t, conn)
		statuses = append(statuses, last.Status)
	}
	if statuses[0] != models.StatusSearching || statuses[1] != models.StatusGenerating || statuses[2] != models.StatusComplete {
		t.Fatalf("statuses = %v", statuses)
	}
	if !strings.HasPrefix(last.ImageURL, "data:image/png;base64,") || last.RefinedPrompt == "" {
		t.Errorf("complete message = %+v", last)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.events) != 3 || svc.events[2].Type != "generation.complete" || svc.events[2].Size != "512" {
		t.Errorf("events = %+v", svc.events)
	}
}

type slowPublisher struct {
	delay time.Duration

	mu    sync.Mutex
	types []string
}

func (p *slowPublisher) PublishEvent(_ context.Context, e *models.Event) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func TestSessionWS_SlowEventPublisher(t *testing.T) {
	pub := &slowPublisher{delay: 500 * time.Millisecond}
	cfg := &config.Config{UpstreamTimeout: 5 * time.Second, ChatHistoryLimit: 10, MaxTitleLength: 200, MaxStoryLength: 2000}
	svc := services.NewIllustrationService(&fakeService{configured: true}, pub, nil, cfg)
	conn := dialSession(t, NewHandler(svc, cfg))
	readOut(t, conn)

	start := time.Now()
	if err := conn.WriteJSON(sessionWSInMessage{Type: "generate", BookTitle: "Frederick", UserStory: "a mouse gathers colors"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []models.GenerationStatus{models.StatusSearching, models.StatusGenerating, models.StatusComplete} {
		if msg := readOut(t, conn); msg.Status != want {
			t.Fatalf("state = %+v, want %s", msg, want)
		}
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("states took %v behind a slow event publisher", elapsed)
	}

	svc.Close()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if strings.Join(pub.types, ",") != "generation.searching,generation.generating,generation.complete" {
		t.Errorf("published = %v", pub.types)
	}
}

func TestSessionWS_Rejections(t *testing.T) {
	conn := dialSession(t, newTestHandler(&fakeService{configured: true}))
	readOut(t, conn)

	for _, in := range []sessionWSInMessage{
		{Type: "generate", BookTitle: "", UserStory: "story"},
		{Type: "generate", BookTitle: "title", UserStory: "story", Size: "huge"},
		{Type: "paint"},
	} {
		if err := conn.WriteJSON(in); err != nil {
			t.Fatalf("write: %v", err)
		}
		if msg := readOut(t, conn); msg.Type != "rejected" || msg.Error == "" {
			t.Errorf("input %+v: got %+v", in, msg)
		}
	}
}

func TestSessionWS_Cancel(t *testing.T) {
	svc := &fakeService{configured: true, resolveStyle: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	conn := dialSession(t, newTestHandler(svc))
	readOut(t, conn)

	_ = conn.WriteJSON(sessionWSInMessage{Type: "generate", BookTitle: "Madeline", UserStory: "a picnic"})
	if msg := readOut(t, conn); msg.Status != models.StatusSearching {
		t.Fatalf("state = %+v", msg)
	}
	_ = conn.WriteJSON(sessionWSInMessage{Type: "cancel"})
	msg := readOut(t, conn)
	if msg.Status != models.StatusError || msg.Error != "Generation canceled." {
		t.Errorf("state = %+v", msg)
	}
}
