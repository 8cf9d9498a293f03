package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/models"
	"github.com/digimarket/reservation-core/internal/services"
)

// ListingHandler handles listing availability requests
type ListingHandler struct {
	listings *services.ListingService
	logger   *logrus.Logger
}

// NewListingHandler creates a new listing handler
func NewListingHandler(listings *services.ListingService, logger *logrus.Logger) *ListingHandler {
	return &ListingHandler{listings: listings, logger: logger}
}

// RegisterListing handles POST /api/v1/listings
func (h *ListingHandler) RegisterListing(c *gin.Context) {
	ownerID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.RegisterListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	listing, err := h.listings.Register(c.Request.Context(), ownerID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// GetAvailability handles GET /api/v1/listings/:id/availability
func (h *ListingHandler) GetAvailability(c *gin.Context) {
	listingID, ok := pathUUID(c, "id", "INVALID_LISTING_ID")
	if !ok {
		return
	}

	availability, err := h.listings.Availability(c.Request.Context(), listingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

// OwnerListingSummary handles GET /api/v1/owner/listings/summary
func (h *ListingHandler) OwnerListingSummary(c *gin.Context) {
	ownerID, ok := callerID(c)
	if !ok {
		return
	}

	summary, err := h.listings.OwnerListingSummary(c.Request.Context(), ownerID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	total := 0
	for _, n := range summary {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"total":   total,
	})
}
