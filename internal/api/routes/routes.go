package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/gocomet/courier-dispatch/internal/api/handlers"
	"github.com/gocomet/courier-dispatch/internal/api/middleware"
	"github.com/gocomet/courier-dispatch/pkg/websocket"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, nrApp *newrelic.Application) {
	// Add New Relic middleware if enabled
	if nrApp != nil {
		r.Use(nrgin.Middleware(nrApp))
	}
	r.Use(middleware.Metrics())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":              "healthy",
			"riders_online":       len(h.Service.OnlineRiders()),
			"connections":         h.Hub.GetActiveConnections(),
			"connections_by_type": gin.H{
				websocket.UserTypeRider:      h.Hub.GetClientsByUserType(websocket.UserTypeRider),
				websocket.UserTypeCustomer:   h.Hub.GetClientsByUserType(websocket.UserTypeCustomer),
				websocket.UserTypeDispatcher: h.Hub.GetClientsByUserType(websocket.UserTypeDispatcher),
			},
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// WebSocket connection
		v1.GET("/ws", h.HandleWebSocket)

		// Booking endpoints
		bookings := v1.Group("/bookings")
		{
			bookings.POST("", h.CreateBooking)
			bookings.GET("/:id", h.GetBooking)
			bookings.PATCH("/:id", h.EditBooking)
			bookings.GET("/:id/timers", h.GetTimers)
			bookings.POST("/:id/match", h.StartMatching)
			bookings.POST("/:id/retry", h.RetryMatching)
			bookings.POST("/:id/respond", h.RespondToOffer)
			bookings.POST("/:id/progress", h.AdvanceProgress)
			bookings.POST("/:id/complete", h.CompleteBooking)
			bookings.POST("/:id/cancel", h.CancelBooking)
		}

		v1.GET("/deliveries/:delivery_id/booking", h.GetBookingByDelivery)

		// Rider endpoints
		riders := v1.Group("/riders")
		{
			riders.GET("/online", h.GetOnlineRiders)
			riders.POST("/:id/location", h.UpdateRiderLocation)
			riders.POST("/:id/offline", h.SetRiderOffline)
		}
	}
}
