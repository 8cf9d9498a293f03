package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/services"
	"github.com/digimarket/reservation-core/internal/utils"
)

// BookingHandler handles booking-related HTTP requests
type BookingHandler struct {
	reservations *services.ReservationService
	lifecycle    *services.BookingLifecycleService
	queries      *services.BookingQueryService
	logger       *logrus.Logger
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(
	reservations *services.ReservationService,
	lifecycle *services.BookingLifecycleService,
	queries *services.BookingQueryService,
	logger *logrus.Logger,
) *BookingHandler {
	return &BookingHandler{
		reservations: reservations,
		lifecycle:    lifecycle,
		queries:      queries,
		logger:       logger,
	}
}

// CreateBooking handles POST /api/v1/bookings
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	buyerID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	input, err := req.Parse()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	booking, err := h.reservations.CreateBooking(c.Request.Context(), buyerID, input, utils.RequestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Booking request created",
		"booking": booking,
	})
}

// UpdateBookingStatus handles PATCH /api/v1/bookings/:id
func (h *BookingHandler) UpdateBookingStatus(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id", "INVALID_BOOKING_ID")
	if !ok {
		return
	}

	var req models.UpdateBookingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	status, role, err := req.Parse()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	actor := services.Actor{UserID: userID, Role: role}
	booking, err := h.lifecycle.UpdateStatus(c.Request.Context(), bookingID, status, actor, req.Reason, utils.RequestMeta(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Booking status updated",
		"booking": booking,
	})
}

// GetBooking handles GET /api/v1/bookings/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := pathUUID(c, "id", "INVALID_BOOKING_ID")
	if !ok {
		return
	}

	booking, err := h.queries.Get(c.Request.Context(), userID, bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// ListMyBookings handles GET /api/v1/bookings/mine
func (h *BookingHandler) ListMyBookings(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	bookings, err := h.queries.ListForBuyer(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"total":    len(bookings),
	})
}

// ListListingBookings handles GET /api/v1/listings/:id/bookings
func (h *BookingHandler) ListListingBookings(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	listingID, ok := pathUUID(c, "id", "INVALID_LISTING_ID")
	if !ok {
		return
	}
	statuses, ok := statusFilter(c)
	if !ok {
		return
	}

	bookings, err := h.queries.ListForListing(c.Request.Context(), userID, listingID, statuses)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listing_id": listingID,
		"bookings":   bookings,
		"total":      len(bookings),
	})
}

// ListOwnerBookings handles GET /api/v1/owner/bookings
func (h *BookingHandler) ListOwnerBookings(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	statuses, ok := statusFilter(c)
	if !ok {
		return
	}

	bookings, err := h.queries.ListForOwner(c.Request.Context(), userID, statuses)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"total":    len(bookings),
	})
}

// OwnerBookingSummary handles GET /api/v1/owner/bookings/summary
func (h *BookingHandler) OwnerBookingSummary(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	summary, err := h.queries.OwnerSummary(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// statusFilter parses ?status=Pending,Confirmed (also repeated ?status=)
func statusFilter(c *gin.Context) ([]models.BookingStatus, bool) {
	var statuses []models.BookingStatus
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := models.ParseBookingStatus(part)
			if !ok {
				badRequest(c, "INVALID_STATUS", "Unknown booking status: "+part)
				return nil, false
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, true
}
