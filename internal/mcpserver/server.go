package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/models"
)

const protocolVersion = "2025-03-26"

// JSON-RPC 2.0 request
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSON-RPC 2.0 response
type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MCP tools/list result
type toolsListResult struct {
	Tools      []mcpTool `json:"tools"`
	NextCursor *string   `json:"nextCursor,omitempty"`
}

type mcpTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	Type       string                 `json:"type"`
	Properties map[string]schemaProp `json:"properties"`
	Required   []string              `json:"required,omitempty"`
}

type schemaProp struct {
	Type        string       `json:"type"`
	Description string       `json:"description,omitempty"`
	Enum        []string     `json:"enum,omitempty"`
	Items       *inputSchema `json:"items,omitempty"`
}

// MCP tools/call result
type toolsCallResult struct {
	Content []contentItem     `json:"content"`
	IsError bool              `json:"isError"`
	Meta    map[string]string `json:"_meta,omitempty"` // errorKind on tool errors
}

type contentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// initialize result
type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      serverInfo             `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// illustrationService is the subset of services.IllustrationService exposed as tools.
type illustrationService interface {
	ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error)
	RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error)
	Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error)
}

// Server implements MCP JSON-RPC 2.0 over HTTP (initialize, tools/list and tools/call).
type Server struct {
	svc     illustrationService
	version string
}

// NewServer returns a new MCP server backed by the illustration service.
func NewServer(svc illustrationService, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, version: version}
}

// Handler returns the HTTP handler for JSON-RPC requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveJSONRPC)
}

func (s *Server) serveJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, req.ID, -32700, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, -32600, "Invalid Request")
		return
	}
	// Notifications carry no id and get no response body.
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result interface{}
	var rpcErr *rpcError
	switch req.Method {
	case "initialize":
		result = &initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
			ServerInfo:      serverInfo{Name: "picturebook", Version: s.version},
		}
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(r.Context(), req.Params)
	default:
		writeRPCError(w, req.ID, -32601, "Method not found")
		return
	}

	if rpcErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) handleToolsList() (interface{}, *rpcError) {
	return &toolsListResult{
		Tools: []mcpTool{
			{
				Name:        "resolve_style",
				Description: "Look up the illustration style of a picture book and write an image prompt for a child's story in that style",
				InputSchema: inputSchema{
					Type: "object",
					Properties: map[string]schemaProp{
						"bookTitle": {Type: "string", Description: "Title of the picture book whose style to match"},
						"userStory": {Type: "string", Description: "Short story idea to illustrate"},
					},
					Required: []string{"bookTitle", "userStory"},
				},
			},
			{
				Name:        "render_illustration",
				Description: "Render an illustration from an image prompt",
				InputSchema: inputSchema{
					Type: "object",
					Properties: map[string]schemaProp{
						"refinedPrompt": {Type: "string", Description: "Image prompt, usually from resolve_style"},
						"size":          {Type: "string", Description: "Resolution tier (512 is rendered as 1K)", Enum: []string{"512", "1K", "2K"}},
					},
					Required: []string{"refinedPrompt"},
				},
			},
			{
				Name:        "chat",
				Description: "Talk to the kid-friendly Art Buddy",
				InputSchema: inputSchema{
					Type: "object",
					Properties: map[string]schemaProp{
						"message": {Type: "string", Description: "What the child said"},
						"history": {Type: "array", Description: "Prior turns, oldest first", Items: &inputSchema{
							Type: "object",
							Properties: map[string]schemaProp{
								"role": {Type: "string", Enum: []string{"user", "model"}},
								"text": {Type: "string"},
							},
						}},
					},
					Required: []string{"message"},
				},
			},
		},
	}, nil
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, paramsRaw json.RawMessage) (interface{}, *rpcError) {
	var params toolsCallParams
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		return nil, &rpcError{Code: -32602, Message: "Invalid params"}
	}
	switch params.Name {
	case "resolve_style":
		return s.callResolveStyle(ctx, params.Arguments)
	case "render_illustration":
		return s.callRenderIllustration(ctx, params.Arguments)
	case "chat":
		return s.callChat(ctx, params.Arguments)
	default:
		return nil, &rpcError{Code: -32602, Message: "Unknown tool: " + params.Name}
	}
}

func getStr(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func toolError(tool string, err error) *toolsCallResult {
	log.Warn().Err(err).Str("tool", tool).Str("error_kind", models.ErrorKind(err)).Msg("MCP tool call failed")
	return &toolsCallResult{
		Content: []contentItem{{Type: "text", Text: err.Error()}},
		IsError: true,
		Meta:    map[string]string{"errorKind": models.ErrorKind(err)},
	}
}

func (s *Server) callResolveStyle(ctx context.Context, args map[string]interface{}) (interface{}, *rpcError) {
	prompt, err := s.svc.ResolveStyle(ctx, getStr(args, "bookTitle"), getStr(args, "userStory"))
	if err != nil {
		return toolError("resolve_style", err), nil
	}
	return &toolsCallResult{
		Content: []contentItem{{Type: "text", Text: prompt}},
		IsError: false,
	}, nil
}

func (s *Server) callRenderIllustration(ctx context.Context, args map[string]interface{}) (interface{}, *rpcError) {
	var size models.ImageSize
	if raw := getStr(args, "size"); raw != "" {
		parsed, err := models.ParseImageSize(raw)
		if err != nil {
			return toolError("render_illustration", err), nil
		}
		size = parsed
	}
	img, err := s.svc.RenderIllustration(ctx, getStr(args, "refinedPrompt"), size)
	if err != nil {
		return toolError("render_illustration", err), nil
	}
	content := []contentItem{{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(img.Data),
		MimeType: img.MimeType,
	}}
	if img.DownloadURL != "" {
		content = append(content, contentItem{Type: "text", Text: img.DownloadURL})
	}
	return &toolsCallResult{Content: content, IsError: false}, nil
}

func (s *Server) callChat(ctx context.Context, args map[string]interface{}) (interface{}, *rpcError) {
	req := models.ChatRequest{Message: getStr(args, "message")}
	if items, ok := args["history"].([]interface{}); ok {
		for _, item := range items {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			req.History = append(req.History, models.ChatHistoryItem{Role: getStr(m, "role"), Text: getStr(m, "text")})
		}
	}
	reply, err := s.svc.Respond(ctx, req.Message, req.Turns())
	if err != nil {
		return toolError("chat", err), nil
	}
	return &toolsCallResult{
		Content: []contentItem{{Type: "text", Text: reply}},
		IsError: false,
	}, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
