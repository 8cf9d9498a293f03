package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/middleware"
	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/services"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var errorStatus = []struct {
	kind   error
	status int
}{
	{models.ErrValidation, http.StatusBadRequest},
	{models.ErrNotFound, http.StatusNotFound},
	{models.ErrConflict, http.StatusConflict},
	{models.ErrInvalidTransition, http.StatusConflict},
	{models.ErrUnavailable, http.StatusServiceUnavailable},
	{models.ErrRateLimited, http.StatusTooManyRequests},
}

// respondError maps a service error onto the HTTP status and error body.
// Anything that is not a domain error is logged and reported as a 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var rle *services.RateLimitError
	if errors.As(err, &rle) {
		retry := int(math.Ceil(time.Until(rle.RetryAfter).Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:   models.ErrRateLimited.Error(),
			Message: rle.Message,
			Code:    "RATE_LIMITED",
			Details: map[string]interface{}{"retry_after": rle.RetryAfter},
		})
		return
	}

	var de *models.DomainError
	if errors.As(err, &de) {
		for _, m := range errorStatus {
			if errors.Is(err, m.kind) {
				if m.status == http.StatusServiceUnavailable {
					logger.WithError(err).WithField("path", c.FullPath()).Error("Storage unavailable")
				}
				c.JSON(m.status, ErrorResponse{
					Error:   m.kind.Error(),
					Message: de.Message,
					Code:    de.Code,
					Details: de.Details,
				})
				return
			}
		}
	}

	logger.WithError(err).WithField("path", c.FullPath()).Error("Unhandled error")
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An unexpected error occurred",
		Code:    "INTERNAL_ERROR",
	})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   models.ErrValidation.Error(),
		Message: message,
		Code:    code,
	})
}

// callerID returns the authenticated user; AuthMiddleware guarantees presence
func callerID(c *gin.Context) (uuid.UUID, bool) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "User context not found",
			Code:    "MISSING_USER_CONTEXT",
		})
		return uuid.Nil, false
	}
	return userCtx.UserID, true
}

func pathUUID(c *gin.Context, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, code, "Invalid "+name+" format")
		return uuid.Nil, false
	}
	return id, true
}
