package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snappy-loop/picturebook/internal/models"
	"golang.org/x/crypto/bcrypt"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/refine", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.RefineResponse{RefinedPrompt: "a crayon dragon"})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req models.GenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Size != models.ImageSize2K {
			t.Errorf("size = %q", req.Size)
		}
		img := &models.RenderedImage{Data: []byte("jpeg-bytes"), MimeType: "image/jpeg"}
		json.NewEncoder(w).Encode(models.GenerateResponse{ImageURL: img.DataURI()})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ChatResponse{Response: "Dragons love tacos! 🌮"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunGenerate(t *testing.T) {
	srv := fakeAPI(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "dragon.jpg")

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-title", "Where the Wild Things Are", "-story", "a dragon", "-size", "2K", "-out", out}, srv.URL, &stdout)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stdout.String())
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("file = %q, %v", data, err)
	}
	for _, want := range []string{"prompt: a crayon dragon", "saved " + out} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("output missing %q:\n%s", want, stdout.String())
		}
	}
}

func TestRunValidation(t *testing.T) {
	srv := fakeAPI(t)
	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"-story", "a dragon"}, srv.URL, &stdout); err == nil {
		t.Error("expected error without a title")
	}
	if err := run(context.Background(), []string{"-title", "t", "-story", "s", "-size", "4K"}, srv.URL, &stdout); err == nil {
		t.Error("expected error for invalid size")
	}
}

func TestRunChat(t *testing.T) {
	srv := fakeAPI(t)
	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"-chat", "what do dragons eat?"}, srv.URL, &stdout); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "Dragons love tacos! 🌮" {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRunHashToken(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), []string{"-hash-token", "secret"}, "", &stdout); err != nil {
		t.Fatalf("run: %v", err)
	}
	hash := strings.TrimSpace(stdout.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Errorf("hash does not match: %v", err)
	}
}

func TestExtension(t *testing.T) {
	for mime, want := range map[string]string{"image/jpeg": ".jpg", "image/webp": ".webp", "image/png": ".png", "": ".png"} {
		if got := extension(mime); got != want {
			t.Errorf("extension(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestRunUnknownTransport(t *testing.T) {
	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-transport", "carrier-pigeon", "-title", "t", "-story", "s"}, "", &stdout)
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("err = %v", err)
	}
}
