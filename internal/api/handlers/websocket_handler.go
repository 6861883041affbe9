package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gocomet/courier-dispatch/internal/api/dto"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	apperrors "github.com/gocomet/courier-dispatch/pkg/errors"
	"github.com/gocomet/courier-dispatch/pkg/logger"
	"github.com/gocomet/courier-dispatch/pkg/websocket"
	gorilla "github.com/gorilla/websocket"
)

// Message types accepted from websocket clients
const (
	MsgRiderOnline   = "rider:online"
	MsgRiderOffline  = "rider:offline"
	MsgRiderLocation = "rider:location"
	MsgOfferRespond  = "offer:respond"
	MsgSubscribe     = "subscribe"
)

const wsOpTimeout = 5 * time.Second

// HandleWebSocket handles GET /v1/ws
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	userType := c.Query("user_type")

	if userID == "" || !validUserType(userType) {
		h.Logger.Warn("Missing user_id or user_type in WebSocket connection")
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Code:    "BAD_REQUEST",
			Message: "user_id and user_type (rider, customer, dispatcher) are required",
		})
		return
	}

	upgrader := gorilla.Upgrader{
		ReadBufferSize:  h.Config.ReadBufferSize,
		WriteBufferSize: h.Config.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins in development
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(h.Hub, conn, userID, userType, h, h.Logger)
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// HandleMessage routes an application message from a websocket client
func (h *Handlers) HandleMessage(c *websocket.Client, msg websocket.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), wsOpTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case MsgRiderOnline:
		err = h.wsRiderOnline(c, msg)
	case MsgRiderOffline:
		if c.UserType != websocket.UserTypeRider {
			err = errRidersOnly
			break
		}
		h.Service.RiderOffline(c.UserID)
	case MsgRiderLocation:
		err = h.wsRiderLocation(c, msg)
	case MsgOfferRespond:
		err = h.wsOfferRespond(ctx, c, msg)
	case MsgSubscribe:
		err = h.wsSubscribe(ctx, c, msg)
	default:
		h.Logger.Warn("Unknown message type",
			logger.String("type", msg.Type),
			logger.String("client_id", c.ID),
		)
		err = errUnknownMessage
	}

	if err != nil {
		appErr := toAppError(err)
		c.SendMessage(websocket.Message{Type: "error", Data: map[string]interface{}{
			"request": msg.Type,
			"code":    appErr.Code,
			"message": appErr.Message,
			"status":  appErr.Status,
		}})
		return
	}
	c.SendMessage(websocket.Message{Type: "ack", Data: map[string]string{
		"request":   msg.Type,
		"entity_id": msg.EntityID,
	}})
}

// HandleDisconnect drops the presence of a rider whose session closed
func (h *Handlers) HandleDisconnect(c *websocket.Client) {
	if c.UserType != websocket.UserTypeRider {
		return
	}
	h.Service.RiderDisconnected(c.UserID, c.SessionID())
}

func (h *Handlers) wsRiderOnline(c *websocket.Client, msg websocket.ClientMessage) error {
	if c.UserType != websocket.UserTypeRider {
		return errRidersOnly
	}
	var req dto.RiderOnlineRequest
	if err := decodeMessage(msg, &req); err != nil {
		return err
	}
	var loc *rider.Location
	if req.Location != nil {
		l := req.Location.ToLocation()
		loc = &l
	}
	return h.Service.RiderOnline(c.UserID, c, req.ToInfo(c.UserID), loc)
}

func (h *Handlers) wsRiderLocation(c *websocket.Client, msg websocket.ClientMessage) error {
	if c.UserType != websocket.UserTypeRider {
		return errRidersOnly
	}
	var req dto.LocationRequest
	if err := decodeMessage(msg, &req); err != nil {
		return err
	}
	return h.Service.RiderLocationUpdate(c.UserID, req.ToLocation())
}

func (h *Handlers) wsOfferRespond(ctx context.Context, c *websocket.Client, msg websocket.ClientMessage) error {
	if c.UserType != websocket.UserTypeRider {
		return errRidersOnly
	}
	var req dto.OfferResponseMessage
	if err := decodeMessage(msg, &req); err != nil {
		return err
	}
	_, err := h.Service.RiderRespond(ctx, msg.EntityID, c.UserID, req.Accept)
	return err
}

func (h *Handlers) wsSubscribe(ctx context.Context, c *websocket.Client, msg websocket.ClientMessage) error {
	b, err := h.Service.GetBooking(ctx, msg.EntityID)
	if err != nil {
		return err
	}
	switch c.UserType {
	case websocket.UserTypeDispatcher:
	case websocket.UserTypeRider:
		if b.Rider == nil || b.Rider.UserID != c.UserID {
			return errNotBookingParty
		}
	default:
		if b.Customer.UserID != c.UserID {
			return errNotBookingParty
		}
	}
	c.Subscribe(b.ID)
	return nil
}

func decodeMessage(msg websocket.ClientMessage, out interface{}) error {
	if len(msg.Data) == 0 {
		return errMissingData
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return apperrors.BadRequest("Invalid message payload", err)
	}
	if err := binding.Validator.ValidateStruct(out); err != nil {
		return apperrors.BadRequest("Invalid message payload", err)
	}
	return nil
}

func validUserType(t string) bool {
	switch t {
	case websocket.UserTypeRider, websocket.UserTypeCustomer, websocket.UserTypeDispatcher:
		return true
	}
	return false
}
