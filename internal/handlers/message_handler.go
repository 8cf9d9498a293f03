package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/services"
)

// MessageHandler handles thread and message requests
type MessageHandler struct {
	threads  *services.ThreadService
	messages *services.MessageService
	logger   *logrus.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(threads *services.ThreadService, messages *services.MessageService, logger *logrus.Logger) *MessageHandler {
	return &MessageHandler{
		threads:  threads,
		messages: messages,
		logger:   logger,
	}
}

// SendMessage handles POST /api/v1/messages
func (h *MessageHandler) SendMessage(c *gin.Context) {
	senderID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	tc, err := req.Parse()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), senderID, tc, req.MessageText)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessagesWithCounterpart handles GET /api/v1/messages/:counterpart_id
// with optional ?listing= and ?booking= context
func (h *MessageHandler) ListMessagesWithCounterpart(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var listing, booking *string
	if v, ok := c.GetQuery("listing"); ok {
		listing = &v
	}
	if v, ok := c.GetQuery("booking"); ok {
		booking = &v
	}
	req := models.ResolveThreadRequest{CounterpartID: c.Param("counterpart_id"), ListingID: listing, BookingID: booking}
	tc, err := req.Parse()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.messages.ListByContext(c.Request.Context(), userID, tc)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ResolveThread handles POST /api/v1/threads/resolve
func (h *MessageHandler) ResolveThread(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.ResolveThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	tc, err := req.Parse()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	conv, err := h.threads.Resolve(c.Request.Context(), userID, tc)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// ListThreads handles GET /api/v1/threads
func (h *MessageHandler) ListThreads(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	threads, err := h.threads.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"threads": threads,
		"total":   len(threads),
	})
}

// ListThreadMessages handles GET /api/v1/threads/:id/messages
func (h *MessageHandler) ListThreadMessages(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	threadID, ok := pathUUID(c, "id", "INVALID_THREAD_ID")
	if !ok {
		return
	}

	result, err := h.messages.List(c.Request.Context(), userID, threadID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// MarkRead handles POST /api/v1/threads/:id/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	threadID, ok := pathUUID(c, "id", "INVALID_THREAD_ID")
	if !ok {
		return
	}

	var req models.MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
			return
		}
	}

	var upTo uuid.NullUUID
	if req.UpToMessageID != nil && *req.UpToMessageID != "" {
		id, err := uuid.Parse(*req.UpToMessageID)
		if err != nil {
			badRequest(c, "INVALID_MESSAGE_ID", "up_to_message_id must be a valid UUID")
			return
		}
		upTo = uuid.NullUUID{UUID: id, Valid: true}
	}

	result, err := h.messages.MarkRead(c.Request.Context(), userID, threadID, upTo)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UnreadCount handles GET /api/v1/threads/:id/unread
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	threadID, ok := pathUUID(c, "id", "INVALID_THREAD_ID")
	if !ok {
		return
	}

	unread, err := h.messages.UnreadCount(c.Request.Context(), userID, threadID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": threadID,
		"unread_count":    unread,
	})
}
