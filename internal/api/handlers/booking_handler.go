package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/courier-dispatch/internal/api/dto"
	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/pkg/logger"
)

// CreateBooking handles POST /v1/bookings
func (h *Handlers) CreateBooking(c *gin.Context) {
	var req dto.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	b, err := h.Service.CreateBooking(c.Request.Context(), req.ToParams())
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Logger.Info("Booking request received",
		logger.BookingID(b.ID),
		logger.String("delivery_id", b.DeliveryID),
		logger.String("vehicle_type", string(b.VehicleType)),
	)
	c.JSON(http.StatusCreated, b)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handlers) GetBooking(c *gin.Context) {
	b, err := h.Service.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GetBookingByDelivery handles GET /v1/deliveries/:delivery_id/booking
func (h *Handlers) GetBookingByDelivery(c *gin.Context) {
	b, err := h.Service.GetBookingByDelivery(c.Request.Context(), c.Param("delivery_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GetTimers handles GET /v1/bookings/:id/timers
func (h *Handlers) GetTimers(c *gin.Context) {
	t, err := h.Service.GetTimers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// EditBooking handles PATCH /v1/bookings/:id
func (h *Handlers) EditBooking(c *gin.Context) {
	var req dto.EditBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	b, err := h.Service.EditBooking(c.Request.Context(), c.Param("id"), req.ToEdit())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handlers) CancelBooking(c *gin.Context) {
	var req dto.CancelBookingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	b, err := h.Service.CancelBooking(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// StartMatching handles POST /v1/bookings/:id/match
func (h *Handlers) StartMatching(c *gin.Context) {
	b, err := h.Service.StartMatching(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// RetryMatching handles POST /v1/bookings/:id/retry
func (h *Handlers) RetryMatching(c *gin.Context) {
	b, err := h.Service.RetryMatching(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// RespondToOffer handles POST /v1/bookings/:id/respond
func (h *Handlers) RespondToOffer(c *gin.Context) {
	var req dto.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	b, err := h.Service.RiderRespond(c.Request.Context(), c.Param("id"), req.RiderID, *req.Accept)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// AdvanceProgress handles POST /v1/bookings/:id/progress
func (h *Handlers) AdvanceProgress(c *gin.Context) {
	var req dto.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	b, err := h.Service.AdvanceProgress(c.Request.Context(), c.Param("id"), booking.Status(req.Stage))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// CompleteBooking handles POST /v1/bookings/:id/complete
func (h *Handlers) CompleteBooking(c *gin.Context) {
	summary, err := h.Service.CompleteBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
