package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snappy-loop/picturebook/internal/auth"
	"github.com/snappy-loop/picturebook/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type fakeService struct {
	styleErr  error
	renderErr error
	gotSize   models.ImageSize
	history   []models.ChatTurn
}

func (f *fakeService) ResolveStyle(_ context.Context, title, story string) (string, error) {
	if f.styleErr != nil {
		return "", f.styleErr
	}
	return "A watercolor of " + story + " in the style of " + title, nil
}

func (f *fakeService) RenderIllustration(_ context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	f.gotSize = size
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return &models.RenderedImage{Data: []byte("png-bytes"), MimeType: "image/png", Size: size, DownloadURL: "https://cdn.example/a.png"}, nil
}

func (f *fakeService) Respond(_ context.Context, message string, history []models.ChatTurn) (string, error) {
	f.history = history
	return "You said " + message, nil
}

func call(t *testing.T, h http.Handler, body string) jsonRPCResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func toolResult(t *testing.T, resp jsonRPCResponse) toolsCallResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var res toolsCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestInitializeAndList(t *testing.T) {
	h := NewServer(&fakeService{}, "test").Handler()

	resp := call(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if resp.Error != nil {
		t.Fatalf("initialize: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	if !bytes.Contains(raw, []byte(protocolVersion)) || !bytes.Contains(raw, []byte(`"picturebook"`)) {
		t.Errorf("initialize result = %s", raw)
	}

	resp = call(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	raw, _ = json.Marshal(resp.Result)
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	if got := strings.Join(names, ","); got != "resolve_style,render_illustration,chat" {
		t.Errorf("tools = %s", got)
	}
}

func TestNotification(t *testing.T) {
	h := NewServer(&fakeService{}, "").Handler()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || rec.Body.Len() != 0 {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestProtocolErrors(t *testing.T) {
	h := NewServer(&fakeService{}, "").Handler()
	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse", `{not json`, -32700},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, -32600},
		{"method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, -32601},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"paint"}}`, -32602},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, h, tt.body)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestResolveStyleTool(t *testing.T) {
	h := NewServer(&fakeService{}, "").Handler()
	res := toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"resolve_style","arguments":{"bookTitle":"Swimmy","userStory":"a red fish"}}}`))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "A watercolor of a red fish in the style of Swimmy" {
		t.Errorf("result = %+v", res)
	}

	h = NewServer(&fakeService{styleErr: &models.ValidationError{Field: "bookTitle", Message: "book title is required"}}, "").Handler()
	res = toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"resolve_style","arguments":{}}}`))
	if !res.IsError || !strings.Contains(res.Content[0].Text, "book title is required") || res.Meta["errorKind"] != models.KindValidation {
		t.Errorf("result = %+v", res)
	}
}

func TestRenderIllustrationTool(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc, "").Handler()
	res := toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"render_illustration","arguments":{"refinedPrompt":"a fish","size":"2K"}}}`))
	if res.IsError || len(res.Content) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if svc.gotSize != models.ImageSize2K {
		t.Errorf("size = %q", svc.gotSize)
	}
	img := res.Content[0]
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if img.Type != "image" || img.MimeType != "image/png" || err != nil || string(data) != "png-bytes" {
		t.Errorf("image item = %+v", img)
	}
	if res.Content[1].Text != "https://cdn.example/a.png" {
		t.Errorf("download item = %+v", res.Content[1])
	}

	res = toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"render_illustration","arguments":{"refinedPrompt":"a fish","size":"4K"}}}`))
	if !res.IsError {
		t.Error("expected tool error for invalid size")
	}

	h = NewServer(&fakeService{renderErr: models.ErrEmptyResult}, "").Handler()
	res = toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"render_illustration","arguments":{"refinedPrompt":"a fish"}}}`))
	if !res.IsError || res.Content[0].Text != models.ErrEmptyResult.Error() {
		t.Errorf("result = %+v", res)
	}
}

func TestChatTool(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc, "").Handler()
	res := toolResult(t, call(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"chat","arguments":{"message":"hi","history":[{"role":"model","text":"hello"},{"role":"user","text":""},"junk"]}}}`))
	if res.IsError || res.Content[0].Text != "You said hi" {
		t.Errorf("result = %+v", res)
	}
	if len(svc.history) != 1 || svc.history[0].Role != models.RoleAssistant {
		t.Errorf("history = %+v", svc.history)
	}
}

func TestHandlerBehindAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	authService, err := auth.NewService(string(hash))
	if err != nil {
		t.Fatal(err)
	}
	h := authService.Middleware(NewServer(&fakeService{}, "").Handler())

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	for name, header := range map[string]string{"missing": "", "wrong": "Bearer nope", "scheme": "Basic secret"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorized status = %d", rec.Code)
	}
}
