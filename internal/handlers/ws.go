package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/picturebook/internal/metrics"
	"github.com/snappy-loop/picturebook/internal/models"
	"github.com/snappy-loop/picturebook/internal/session"
)

const (
	sessionWSReadLimit = 64 << 10
	sessionWSIdle      = 60 * time.Minute
)

var sessionWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sessionWSInMessage is the JSON shape sent from the client.
type sessionWSInMessage struct {
	Type      string           `json:"type"` // generate or cancel
	BookTitle string           `json:"bookTitle"`
	UserStory string           `json:"userStory"`
	Size      models.ImageSize `json:"size"`
}

// sessionWSOutMessage is the JSON shape sent to the client.
type sessionWSOutMessage struct {
	Type          string                  `json:"type"` // state or rejected
	Status        models.GenerationStatus `json:"status,omitempty"`
	Message       string                  `json:"message,omitempty"`
	Error         string                  `json:"error,omitempty"`
	RefinedPrompt string                  `json:"refinedPrompt,omitempty"`
	ImageURL      string                  `json:"imageUrl,omitempty"`
	DownloadURL   string                  `json:"downloadUrl,omitempty"`
}

// wsWriter serializes writes; observers fire from the generation goroutine while
// the read loop answers rejections.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return w.conn.WriteJSON(v)
}

// SessionWS handles GET /ws. Each connection owns one Session; states are pushed as they happen.
func (h *Handler) SessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := sessionWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("session ws upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	conn.SetReadLimit(sessionWSReadLimit)
	conn.SetReadDeadline(time.Now().Add(sessionWSIdle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(sessionWSIdle))
		return nil
	})

	// Closing the socket aborts an in-flight generation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &wsWriter{conn: conn}
	sess := session.New(h.svc)
	sess.Observe(h.sessionObserver(ctx, sess, out))

	_ = out.write(sessionWSOutMessage{Type: "state", Status: models.StatusIdle})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sess.ID()).Msg("session ws read")
			}
			sess.Cancel()
			return
		}
		conn.SetReadDeadline(time.Now().Add(sessionWSIdle))

		var in sessionWSInMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			_ = out.write(sessionWSOutMessage{Type: "rejected", Error: "invalid JSON: " + err.Error()})
			continue
		}

		switch in.Type {
		case "generate":
			if !h.svc.Configured() {
				_ = out.write(sessionWSOutMessage{Type: "rejected", Error: models.ErrNotConfigured.Error()})
				continue
			}
			req := models.GenerationRequest{BookTitle: in.BookTitle, StorySummary: in.UserStory, Size: in.Size}
			if req.Size != "" {
				size, err := models.ParseImageSize(string(req.Size))
				if err != nil {
					_ = out.write(sessionWSOutMessage{Type: "rejected", Error: err.Error()})
					continue
				}
				req.Size = size
			}
			if _, err := sess.StartAsync(ctx, req); err != nil {
				_ = out.write(sessionWSOutMessage{Type: "rejected", Error: err.Error()})
			}
		case "cancel":
			sess.Cancel()
		default:
			_ = out.write(sessionWSOutMessage{Type: "rejected", Error: "expected type: generate or cancel"})
		}
	}
}

// sessionObserver pushes each state to the socket and records it as a lifecycle event.
func (h *Handler) sessionObserver(ctx context.Context, sess *session.Session, out *wsWriter) session.Observer {
	return func(state models.GenerationState) {
		metrics.SessionTransitions.WithLabelValues(string(state.Status)).Inc()

		msg := sessionWSOutMessage{Type: "state", Status: state.Status, Message: state.Message, Error: state.Error}
		event := &models.Event{
			Type:      models.GenerationEventType(state.Status),
			SessionID: sess.ID(),
			Status:    string(state.Status),
			Message:   state.Error,
		}
		if state.Status == models.StatusComplete {
			if res, ok := sess.Result(); ok {
				msg.RefinedPrompt = res.RefinedPrompt
				msg.ImageURL = res.Image.DataURI()
				msg.DownloadURL = res.Image.DownloadURL
				event.Size = string(res.Image.Size)
			}
		}
		h.svc.PublishEvent(ctx, event)

		if err := out.write(msg); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID()).Msg("session ws write")
		}
	}
}
