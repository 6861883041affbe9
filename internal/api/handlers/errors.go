package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/courier-dispatch/internal/api/dto"
	"github.com/gocomet/courier-dispatch/internal/domain/booking"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
	"github.com/gocomet/courier-dispatch/internal/service/presence"
	apperrors "github.com/gocomet/courier-dispatch/pkg/errors"
	"github.com/gocomet/courier-dispatch/pkg/logger"
)

var (
	errRidersOnly      = apperrors.Forbidden("Only riders can send this message", nil)
	errNotBookingParty = apperrors.Forbidden("Not a party to this booking", nil)
	errUnknownMessage  = apperrors.BadRequest("Unknown message type", nil)
	errMissingData     = apperrors.BadRequest("Message data is required", nil)
)

// toAppError maps domain failures onto their HTTP representation
func toAppError(err error) *apperrors.AppError {
	switch {
	case apperrors.IsAppError(err):
		return apperrors.GetAppError(err)
	case errors.Is(err, booking.ErrBookingNotFound):
		return apperrors.ErrBookingNotFound.With(err)
	case errors.Is(err, booking.ErrInvalidTransition):
		return apperrors.ErrInvalidTransition.With(err)
	case errors.Is(err, booking.ErrOfferExpired):
		return apperrors.ErrOfferExpired.With(err)
	case errors.Is(err, booking.ErrRiderNotOffered):
		return apperrors.ErrRiderNotOffered.With(err)
	case errors.Is(err, booking.ErrEditNotAllowed):
		return apperrors.ErrEditNotAllowed.With(err)
	case errors.Is(err, booking.ErrInvalidBooking):
		return apperrors.ErrInvalidBooking.With(err)
	case errors.Is(err, rider.ErrInvalidLocation):
		return apperrors.ErrInvalidLocation.With(err)
	case errors.Is(err, rider.ErrInvalidVehicleType):
		return apperrors.ErrInvalidVehicleType.With(err)
	case errors.Is(err, rider.ErrInvalidRiderID):
		return apperrors.ErrInvalidRider.With(err)
	case errors.Is(err, presence.ErrNotOnline):
		return apperrors.ErrRiderNotOnline.With(err)
	case errors.Is(err, presence.ErrThrottled):
		return apperrors.ErrRateLimitExceeded.With(err)
	}
	return apperrors.Internal("An unexpected error occurred", err)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	}
	resp := dto.ErrorResponse{Code: appErr.Code, Message: appErr.Message}
	if appErr.Err != nil && appErr.Status < http.StatusInternalServerError {
		resp.Details = appErr.Err.Error()
	}
	c.JSON(appErr.Status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Code:    "BAD_REQUEST",
		Message: "Invalid request payload",
		Details: err.Error(),
	})
}
