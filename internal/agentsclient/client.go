package agentsclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/grpcserver"
	"github.com/snappy-loop/picturebook/internal/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Transports
const (
	TransportGRPC = "grpc"
	TransportMCP  = "mcp"
)

// maxRecvSize matches the agents server's send limit for inline 2K images.
const maxRecvSize = 32 << 20

// Client calls the agents service via gRPC or MCP. It satisfies session.Pipeline.
type Client struct {
	transport string
	token     string
	grpcConn  *grpc.ClientConn
	mcpURL    string
	httpCli   *http.Client
}

// NewGRPCClient dials the agents gRPC server. Call Close when done.
func NewGRPCClient(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, errors.New("gRPC target is required")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvSize)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &Client{transport: TransportGRPC, token: token, grpcConn: conn, httpCli: &http.Client{Timeout: 120 * time.Second}}, nil
}

// NewMCPClient calls the agents MCP endpoint. A nil httpClient uses a 2 minute timeout.
func NewMCPClient(mcpURL, token string, httpClient *http.Client) (*Client, error) {
	if mcpURL == "" {
		return nil, errors.New("MCP URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{transport: TransportMCP, token: token, mcpURL: mcpURL, httpCli: httpClient}, nil
}

// Close closes the gRPC connection (no-op for MCP).
func (c *Client) Close() error {
	if c.grpcConn == nil {
		return nil
	}
	return c.grpcConn.Close()
}

// ResolveStyle returns the refined prompt for a book title and story.
func (c *Client) ResolveStyle(ctx context.Context, bookTitle, storySummary string) (string, error) {
	args := map[string]interface{}{"bookTitle": bookTitle, "userStory": storySummary}
	if c.transport == TransportMCP {
		content, err := c.callMCP(ctx, "resolve_style", args)
		if err != nil {
			return "", err
		}
		return firstText(content), nil
	}
	resp, err := c.invoke(ctx, grpcserver.MethodResolveStyle, args)
	if err != nil {
		return "", err
	}
	return stringField(resp, "refinedPrompt"), nil
}

// RenderIllustration renders the prompt. Over gRPC a stored image comes back as a
// download URL only and is fetched from there.
func (c *Client) RenderIllustration(ctx context.Context, prompt string, size models.ImageSize) (*models.RenderedImage, error) {
	args := map[string]interface{}{"refinedPrompt": prompt, "size": string(size)}
	if c.transport == TransportMCP {
		content, err := c.callMCP(ctx, "render_illustration", args)
		if err != nil {
			return nil, err
		}
		return imageFromContent(content, size)
	}

	resp, err := c.invoke(ctx, grpcserver.MethodRenderIllustration, args)
	if err != nil {
		return nil, err
	}
	img := &models.RenderedImage{
		MimeType:       stringField(resp, "mimeType"),
		Size:           size,
		DispatchedSize: stringField(resp, "dispatchedSize"),
		DownloadURL:    stringField(resp, "downloadUrl"),
	}
	if uri := stringField(resp, "imageUrl"); uri != "" {
		mimeType, data, err := models.ParseDataURI(uri)
		if err != nil {
			return nil, &models.UpstreamError{Op: "render_illustration", Err: err}
		}
		img.MimeType, img.Data = mimeType, data
	}
	if len(img.Data) == 0 && img.DownloadURL != "" {
		if err := c.fetch(ctx, img); err != nil {
			return nil, &models.UpstreamError{Op: "render_illustration", Err: err}
		}
	}
	if len(img.Data) == 0 {
		return nil, models.ErrEmptyResult
	}
	return img, nil
}

// fetch downloads a stored image into img.Data.
func (c *Client) fetch(ctx context.Context, img *models.RenderedImage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.DownloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecvSize))
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}
	img.Data = data
	if ct := resp.Header.Get("Content-Type"); img.MimeType == "" && ct != "" {
		img.MimeType = ct
	}
	return nil
}

// Respond sends one chat message with the prior turns. Every failure yields
// models.ChatFallbackReply; the error is always nil.
func (c *Client) Respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	reply, err := c.respond(ctx, message, history)
	if err != nil || strings.TrimSpace(reply) == "" {
		log.Warn().Err(err).Str("transport", c.transport).Str("error_kind", models.ErrorKind(err)).Msg("Chat call failed, using fallback reply")
		return models.ChatFallbackReply, nil
	}
	return reply, nil
}

func (c *Client) respond(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	items := make([]interface{}, 0, len(history))
	for _, turn := range history {
		role := "user"
		if turn.Role == models.RoleAssistant {
			role = "model"
		}
		items = append(items, map[string]interface{}{"role": role, "text": turn.Text})
	}
	args := map[string]interface{}{"message": message, "history": items}
	if c.transport == TransportMCP {
		content, err := c.callMCP(ctx, "chat", args)
		if err != nil {
			return "", err
		}
		return firstText(content), nil
	}
	resp, err := c.invoke(ctx, grpcserver.MethodRespond, args)
	if err != nil {
		return "", err
	}
	return stringField(resp, "response"), nil
}

func (c *Client) invoke(ctx context.Context, method string, args map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	out := new(structpb.Struct)
	if err := c.grpcConn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(opFromMethod(method), err)
	}
	return out, nil
}

func opFromMethod(method string) string {
	switch method {
	case grpcserver.MethodResolveStyle:
		return "resolve_style"
	case grpcserver.MethodRenderIllustration:
		return "render_illustration"
	default:
		return "chat"
	}
}

// fromStatus maps a gRPC status back onto the error taxonomy.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &models.UpstreamError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &models.ValidationError{Message: st.Message()}
	case codes.FailedPrecondition:
		return models.ErrNotConfigured
	case codes.DeadlineExceeded:
		return &models.UpstreamError{Op: op, Err: context.DeadlineExceeded}
	case codes.Canceled:
		return &models.UpstreamError{Op: op, Err: context.Canceled}
	}
	if strings.HasSuffix(st.Message(), models.ErrEmptyResult.Error()) {
		return models.ErrEmptyResult
	}
	return &models.UpstreamError{Op: op, Err: errors.New(st.Message())}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// MCP tools/call request and response
type mcpCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type mcpContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func (c *Client) callMCP(ctx context.Context, tool string, args map[string]interface{}) ([]mcpContent, error) {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  mcpCallParams{Name: tool, Arguments: args},
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mcpURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, &models.UpstreamError{Op: tool, Err: err}
	}
	defer resp.Body.Close()

	// Non-2xx (e.g. 401 from the auth middleware) is {"error": "..."}, not JSON-RPC.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		msg := errBody.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &models.UpstreamError{Op: tool, Err: fmt.Errorf("MCP request failed (HTTP %d): %s", resp.StatusCode, msg)}
	}

	var mcpResp struct {
		Result *struct {
			Content []mcpContent      `json:"content"`
			IsError bool              `json:"isError"`
			Meta    map[string]string `json:"_meta"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&mcpResp); err != nil {
		return nil, &models.UpstreamError{Op: tool, Err: fmt.Errorf("decode MCP response: %w", err)}
	}
	if mcpResp.Error != nil {
		return nil, &models.UpstreamError{Op: tool, Err: fmt.Errorf("MCP error %d: %s", mcpResp.Error.Code, mcpResp.Error.Message)}
	}
	if mcpResp.Result == nil {
		return nil, &models.UpstreamError{Op: tool, Err: errors.New("MCP response has no result")}
	}
	if mcpResp.Result.IsError {
		return nil, toolError(tool, mcpResp.Result.Meta["errorKind"], firstText(mcpResp.Result.Content))
	}
	return mcpResp.Result.Content, nil
}

// toolError rebuilds a taxonomy error from an MCP tool error and its errorKind.
func toolError(tool, kind, text string) error {
	switch kind {
	case models.KindValidation:
		return &models.ValidationError{Message: text}
	case models.KindConfiguration:
		return models.ErrNotConfigured
	case models.KindEmptyResult:
		return models.ErrEmptyResult
	case models.KindTimeout:
		return &models.UpstreamError{Op: tool, Err: fmt.Errorf("%s: %w", text, context.DeadlineExceeded)}
	case models.KindCanceled:
		return &models.UpstreamError{Op: tool, Err: fmt.Errorf("%s: %w", text, context.Canceled)}
	}
	return &models.UpstreamError{Op: tool, Err: errors.New(text)}
}

func firstText(content []mcpContent) string {
	for _, item := range content {
		if item.Type == "text" {
			return item.Text
		}
	}
	return ""
}

func imageFromContent(content []mcpContent, size models.ImageSize) (*models.RenderedImage, error) {
	img := &models.RenderedImage{Size: size}
	for _, item := range content {
		switch item.Type {
		case "image":
			data, err := base64.StdEncoding.DecodeString(item.Data)
			if err != nil {
				return nil, &models.UpstreamError{Op: "render_illustration", Err: fmt.Errorf("decode image: %w", err)}
			}
			img.Data, img.MimeType = data, item.MimeType
		case "text":
			img.DownloadURL = item.Text
		}
	}
	if len(img.Data) == 0 {
		return nil, models.ErrEmptyResult
	}
	return img, nil
}
