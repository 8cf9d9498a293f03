package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/realtime"
	"github.com/digimarket/reservation-core/internal/services"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = wsPongTimeout * 9 / 10
)

// inboundEvent is a client -> server websocket frame
type inboundEvent struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	MessageText    string  `json:"message_text"`
	UpToMessageID  *string `json:"up_to_message_id,omitempty"`
}

// WebSocketHandler upgrades authenticated requests and serves live events
type WebSocketHandler struct {
	hub      *realtime.Hub
	messages *services.MessageService
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	// a pong must arrive within pongWait; pings go out every pingInterval
	pingInterval time.Duration
	pongWait     time.Duration
}

// NewWebSocketHandler creates a websocket handler. An allowed origin of "*"
// accepts any origin.
func NewWebSocketHandler(hub *realtime.Hub, messages *services.MessageService, allowedOrigins []string, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     makeCheckOrigin(allowedOrigins),
		},
		logger:       logger,
		pingInterval: wsPingInterval,
		pongWait:     wsPongTimeout,
	}
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			allowed[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			// non-browser clients do not send Origin
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[u.Scheme+"://"+u.Host]
		return ok
	}
}

// Serve handles GET /api/v1/ws
func (h *WebSocketHandler) Serve(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := realtime.NewClient(userID, conn)
	h.hub.Register(client)
	defer func() {
		h.hub.Unregister(client)
		_ = client.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.keepAlive(client, stop)

	ctx := c.Request.Context()
	for {
		var event inboundEvent
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("user_id", userID).Debug("Websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		switch event.Type {
		case "ping":
			_ = client.WriteJSON(realtime.Event{Type: "pong", SentAt: time.Now().UTC()})

		case "message":
			convID, err := uuid.Parse(event.ConversationID)
			if err != nil {
				h.sendError(client, models.NewValidationError("INVALID_THREAD_ID", "conversation_id must be a valid UUID"))
				continue
			}
			// the hub echoes the stored message to both participants
			if _, err := h.messages.Append(ctx, convID, userID, event.MessageText); err != nil {
				h.sendError(client, err)
			}

		case "mark_read":
			convID, err := uuid.Parse(event.ConversationID)
			if err != nil {
				h.sendError(client, models.NewValidationError("INVALID_THREAD_ID", "conversation_id must be a valid UUID"))
				continue
			}
			var upTo uuid.NullUUID
			if event.UpToMessageID != nil && *event.UpToMessageID != "" {
				id, err := uuid.Parse(*event.UpToMessageID)
				if err != nil {
					h.sendError(client, models.NewValidationError("INVALID_MESSAGE_ID", "up_to_message_id must be a valid UUID"))
					continue
				}
				upTo = uuid.NullUUID{UUID: id, Valid: true}
			}
			if _, err := h.messages.MarkRead(ctx, userID, convID, upTo); err != nil {
				h.sendError(client, err)
			}

		default:
			h.sendError(client, models.NewValidationError("UNKNOWN_EVENT", "Unknown event type: "+event.Type))
		}
	}
}

// keepAlive pings the client until stop closes or a ping fails. A failed
// ping leaves the read loop to hit its deadline and clean up.
func (h *WebSocketHandler) keepAlive(client *realtime.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				h.logger.WithError(err).WithField("user_id", client.UserID).Debug("Websocket ping failed")
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendError(client *realtime.Client, err error) {
	body := ErrorResponse{Error: "internal_error", Message: "An unexpected error occurred", Code: "INTERNAL_ERROR"}

	var de *models.DomainError
	var rle *services.RateLimitError
	switch {
	case errors.As(err, &rle):
		body = ErrorResponse{Error: models.ErrRateLimited.Error(), Message: rle.Message, Code: "RATE_LIMITED"}
	case errors.As(err, &de):
		body = ErrorResponse{Error: de.Kind.Error(), Message: de.Message, Code: de.Code, Details: de.Details}
	default:
		h.logger.WithError(err).Error("Websocket event failed")
	}

	_ = client.WriteJSON(realtime.Event{Type: "error", Payload: body, SentAt: time.Now().UTC()})
}
