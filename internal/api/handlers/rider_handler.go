package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/courier-dispatch/internal/api/dto"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
)

// UpdateRiderLocation handles POST /v1/riders/:id/location
func (h *Handlers) UpdateRiderLocation(c *gin.Context) {
	var req dto.LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	riderID := c.Param("id")
	if err := h.Service.RiderLocationUpdate(riderID, req.ToLocation()); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rider_id": riderID,
		"status":   "updated",
	})
}

// GetOnlineRiders handles GET /v1/riders/online
func (h *Handlers) GetOnlineRiders(c *gin.Context) {
	entries := h.Service.OnlineRiders()
	out := make([]dto.OnlineRiderResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, dto.NewOnlineRiderResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(out),
		"riders": out,
	})
}

// SetRiderOffline handles POST /v1/riders/:id/offline
func (h *Handlers) SetRiderOffline(c *gin.Context) {
	riderID := c.Param("id")
	if !h.Service.RiderOffline(riderID) {
		h.respondError(c, presence.ErrNotOnline)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rider_id": riderID,
		"status":   "offline",
	})
}
