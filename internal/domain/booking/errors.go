package booking

import (
	"errors"
	"fmt"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrInvalidBooking    = errors.New("invalid booking")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOfferExpired      = errors.New("offer expired")
	ErrEditNotAllowed    = errors.New("booking can no longer be edited")
	ErrRiderNotOffered   = errors.New("rider was not offered this booking")
)

// TransitionError describes an operation rejected by the current status
type TransitionError struct {
	Op   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: cannot %s from %s to %s", e.Op, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match any TransitionError
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
