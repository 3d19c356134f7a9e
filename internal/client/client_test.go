package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snappy-loop/picturebook/internal/models"
	"github.com/snappy-loop/picturebook/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newAPI(t *testing.T, refine, generate, chat http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	if refine != nil {
		mux.HandleFunc("/api/refine", refine)
	}
	if generate != nil {
		mux.HandleFunc("/api/generate", generate)
	}
	if chat != nil {
		mux.HandleFunc("/api/chat", chat)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client())
}

func TestResolveStyle(t *testing.T) {
	c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.RefineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.BookTitle != "Madeline" || req.UserStory != "a picnic" {
			t.Errorf("request = %+v", req)
		}
		writeJSON(w, http.StatusOK, models.RefineResponse{RefinedPrompt: "gouache picnic in Paris"})
	}, nil, nil)

	got, err := c.ResolveStyle(context.Background(), "Madeline", "a picnic")
	if err != nil || got != "gouache picnic in Paris" {
		t.Fatalf("ResolveStyle = %q, %v", got, err)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		check  func(error) bool
	}{
		{"config", http.StatusInternalServerError, "API_KEY not configured on server", func(err error) bool { return errors.Is(err, models.ErrNotConfigured) }},
		{"validation", http.StatusBadRequest, "book title is required", func(err error) bool {
			var v *models.ValidationError
			return errors.As(err, &v)
		}},
		{"empty", http.StatusBadGateway, "No image generated", func(err error) bool { return errors.Is(err, models.ErrEmptyResult) }},
		{"upstream", http.StatusBadGateway, "resolve_style: 503", func(err error) bool {
			var u *models.UpstreamError
			return errors.As(err, &u)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"error": tt.msg})
			}, nil, nil)
			_, err := c.ResolveStyle(context.Background(), "t", "s")
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestRenderIllustration_DecodesDataURI(t *testing.T) {
	img := &models.RenderedImage{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"}
	c := newAPI(t, nil, func(w http.ResponseWriter, r *http.Request) {
		var req models.GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Size != models.ImageSize512 {
			t.Errorf("size = %q", req.Size)
		}
		writeJSON(w, http.StatusOK, models.GenerateResponse{ImageURL: img.DataURI(), DownloadURL: "https://cdn/x.png"})
	}, nil)

	got, err := c.RenderIllustration(context.Background(), "prompt", models.ImageSize512)
	if err != nil {
		t.Fatalf("RenderIllustration: %v", err)
	}
	if string(got.Data) != string(img.Data) || got.MimeType != "image/png" || got.DownloadURL != "https://cdn/x.png" {
		t.Errorf("image = %+v", got)
	}
}

func TestRespond(t *testing.T) {
	var gotHistory []models.ChatHistoryItem
	c := newAPI(t, nil, nil, func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotHistory = req.History
		writeJSON(w, http.StatusOK, models.ChatResponse{Response: "Let's draw! 🖍️"})
	})

	history := []models.ChatTurn{models.NewChatTurn(models.RoleAssistant, models.ChatIntroReply)}
	got, err := c.Respond(context.Background(), "hi", history)
	if err != nil || got != "Let's draw! 🖍️" {
		t.Fatalf("Respond = %q, %v", got, err)
	}
	if len(gotHistory) != 1 || gotHistory[0].Role != "model" || gotHistory[0].Timestamp == 0 {
		t.Errorf("history = %+v", gotHistory)
	}
}

func TestRespond_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
	}{
		{"upstream", http.StatusBadGateway, map[string]string{"error": "boom"}},
		{"config", http.StatusInternalServerError, map[string]string{"error": models.ErrNotConfigured.Error()}},
		{"validation", http.StatusBadRequest, map[string]string{"error": "message is required"}},
		{"empty reply", http.StatusOK, models.ChatResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAPI(t, nil, nil, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			got, err := c.Respond(context.Background(), "hi", nil)
			if err != nil || got != models.ChatFallbackReply {
				t.Errorf("Respond = %q, %v", got, err)
			}
		})
	}

	down := NewClient("http://127.0.0.1:1", nil)
	if got, err := down.Respond(context.Background(), "hi", nil); err != nil || got != models.ChatFallbackReply {
		t.Errorf("unreachable Respond = %q, %v", got, err)
	}
}

func TestClientDrivesSession(t *testing.T) {
	img := &models.RenderedImage{Data: []byte("png"), MimeType: "image/png"}
	c := newAPI(t,
		func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, models.RefineResponse{RefinedPrompt: "collage caterpillar with pizza"})
		},
		func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, models.GenerateResponse{ImageURL: img.DataURI()})
		},
		nil)

	s := session.New(c)
	err := s.Start(context.Background(), models.GenerationRequest{
		BookTitle:    "The Very Hungry Caterpillar",
		StorySummary: "a caterpillar eats a giant pizza",
		Size:         models.ImageSize1K,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, ok := s.Result()
	if !ok || res.RefinedPrompt != "collage caterpillar with pizza" {
		t.Fatalf("result = %+v", res)
	}
	if got := res.Image.DataURI(); got != img.DataURI() {
		t.Errorf("DataURI = %q", got)
	}
}
