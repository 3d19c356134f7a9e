package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageSize is the requested resolution tier of an illustration.
type ImageSize string

const (
	ImageSize512 ImageSize = "512"
	ImageSize1K  ImageSize = "1K"
	ImageSize2K  ImageSize = "2K"
)

// Valid reports whether s is one of the three supported tiers.
func (s ImageSize) Valid() bool {
	switch s {
	case ImageSize512, ImageSize1K, ImageSize2K:
		return true
	}
	return false
}

// ParseImageSize accepts the tier names case-insensitively ("1k" -> "1K").
func ParseImageSize(v string) (ImageSize, error) {
	s := ImageSize(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", &ValidationError{Field: "size", Message: fmt.Sprintf("size must be one of 512, 1K, 2K (got %q)", v)}
	}
	return s, nil
}

// GenerationRequest is one user-initiated illustration request.
type GenerationRequest struct {
	BookTitle    string    `json:"book_title"`
	StorySummary string    `json:"story"`
	Size         ImageSize `json:"size"`
}

// Validate checks the request before any state transition or network call.
// An empty size defaults to 1K.
func (r *GenerationRequest) Validate() error {
	if strings.TrimSpace(r.BookTitle) == "" {
		return &ValidationError{Field: "bookTitle", Message: "book title is required"}
	}
	if strings.TrimSpace(r.StorySummary) == "" {
		return &ValidationError{Field: "userStory", Message: "story is required"}
	}
	if r.Size == "" {
		r.Size = ImageSize1K
	}
	if !r.Size.Valid() {
		return &ValidationError{Field: "size", Message: fmt.Sprintf("size must be one of 512, 1K, 2K (got %q)", r.Size)}
	}
	return nil
}

// RenderedImage is an image returned by the rendering capability.
type RenderedImage struct {
	Data           []byte
	MimeType       string    // e.g. "image/png"
	Size           ImageSize // requested tier
	DispatchedSize string    // tier actually sent to the model
	Model          string
	DownloadURL    string // set when a copy was stored
}

// DataURI encodes the image as data:<mime>;base64,<payload>.
func (img *RenderedImage) DataURI() string {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ParseDataURI decodes a base64 data URI into its MIME type and payload.
func ParseDataURI(uri string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URI has no payload")
	}
	mimeType, ok = strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URI is not base64 encoded")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URI: %w", err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("data URI payload is empty")
	}
	return mimeType, data, nil
}

// GenerationStatus is the session status tag.
type GenerationStatus string

const (
	StatusIdle       GenerationStatus = "idle"
	StatusSearching  GenerationStatus = "searching"
	StatusGenerating GenerationStatus = "generating"
	StatusComplete   GenerationStatus = "complete"
	StatusError      GenerationStatus = "error"
)

// Busy reports whether a generation is in flight.
func (s GenerationStatus) Busy() bool {
	return s == StatusSearching || s == StatusGenerating
}

// GenerationState is the single status slot of a session.
type GenerationState struct {
	Status  GenerationStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// GenerationResult is what a completed session displays.
type GenerationResult struct {
	RefinedPrompt string
	Image         *RenderedImage
}

// ChatRole is the author of a chat turn.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatTurn is one message of the caller-held chat history.
type ChatTurn struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChatTurn returns a turn stamped with a fresh ID and the current time.
func NewChatTurn(role ChatRole, text string) ChatTurn {
	return ChatTurn{ID: uuid.NewString(), Role: role, Text: text, Timestamp: time.Now()}
}

// ChatFallbackReply is returned instead of an error whenever a chat reply cannot be produced.
const ChatFallbackReply = "Oops! I lost my train of thought. Can you say that again?"

// ChatIntroReply is the first assistant turn shown in a fresh chat panel.
const ChatIntroReply = "Hi there! I'm your Art Buddy. Need help with a story? 🎨✨"

// RefineRequest is the style-resolve request body
type RefineRequest struct {
	BookTitle string `json:"bookTitle"`
	UserStory string `json:"userStory"`
}

// RefineResponse is the style-resolve response body
type RefineResponse struct {
	RefinedPrompt string `json:"refinedPrompt"`
}

// GenerateRequest is the illustration-render request body
type GenerateRequest struct {
	RefinedPrompt string    `json:"refinedPrompt"`
	Size          ImageSize `json:"size"`
}

// GenerateResponse is the illustration-render response body
type GenerateResponse struct {
	ImageURL    string `json:"imageUrl"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// ChatRequest is the chat-respond request body. History entries may use the
// browser's "model" role for assistant turns.
type ChatRequest struct {
	Message string            `json:"message"`
	History []ChatHistoryItem `json:"history"`
}

// ChatHistoryItem is a loosely typed history entry as sent by clients.
type ChatHistoryItem struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis
}

// Turns converts the request history into ChatTurns, dropping empty entries.
func (r *ChatRequest) Turns() []ChatTurn {
	turns := make([]ChatTurn, 0, len(r.History))
	for _, item := range r.History {
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		role := RoleUser
		if item.Role == "model" || item.Role == string(RoleAssistant) {
			role = RoleAssistant
		}
		turn := ChatTurn{ID: item.ID, Role: role, Text: item.Text}
		if item.Timestamp > 0 {
			turn.Timestamp = time.UnixMilli(item.Timestamp)
		}
		turns = append(turns, turn)
	}
	return turns
}

// ChatResponse is the chat-respond response body
type ChatResponse struct {
	Response string `json:"response"`
}

// Event types published on the lifecycle topic.
const (
	EventChatFallback = "chat.fallback"
)

// GenerationEventType returns the event type for a session transition.
func GenerationEventType(status GenerationStatus) string {
	return "generation." + string(status)
}

// Event is a lifecycle record for the audit log. It never carries prompts or images.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Size      string    `json:"size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent returns an event with a fresh ID and timestamp.
func NewEvent(eventType string) *Event {
	return &Event{ID: uuid.New(), Type: eventType, CreatedAt: time.Now().UTC()}
}
