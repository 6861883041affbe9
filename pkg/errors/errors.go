package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Common error constructors

// BadRequest creates a 400 error
func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    "BAD_REQUEST",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     err,
	}
}

// Forbidden creates a 403 error
func Forbidden(message string, err error) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     err,
	}
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: message,
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

// Conflict creates a 409 error
func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     err,
	}
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Gone creates a 410 error
func Gone(message string, err error) *AppError {
	return &AppError{
		Code:    "GONE",
		Message: message,
		Status:  http.StatusGone,
		Err:     err,
	}
}

// TooManyRequests creates a 429 error
func TooManyRequests(message string, err error) *AppError {
	return &AppError{
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: message,
		Status:  http.StatusTooManyRequests,
		Err:     err,
	}
}

// Domain-specific errors

var (
	ErrBookingNotFound = NotFound("Booking not found", nil)
	ErrRiderNotOnline  = NotFound("Rider is not online", nil)

	ErrInvalidTransition = Conflict("Invalid status transition", nil)
	ErrOfferExpired      = Gone("Offer has expired", nil)
	ErrRiderNotOffered   = Forbidden("Booking was not offered to this rider", nil)
	ErrEditNotAllowed    = Forbidden("Booking can no longer be edited", nil)

	ErrInvalidBooking     = BadRequest("Invalid booking", nil)
	ErrInvalidLocation    = BadRequest("Invalid coordinates", nil)
	ErrInvalidVehicleType = BadRequest("Invalid vehicle type", nil)
	ErrInvalidRider       = BadRequest("Invalid rider", nil)

	ErrRateLimitExceeded = TooManyRequests("Rate limit exceeded. Please try again later", nil)
)

// With returns a copy of the error carrying cause
func (e *AppError) With(cause error) *AppError {
	if e == nil {
		return nil
	}
	out := *e
	out.Err = cause
	return &out
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError attempts to convert an error to AppError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	// Return generic internal error if not an AppError
	return Internal("An unexpected error occurred", err)
}
