package rider

import "errors"

var (
	ErrInvalidRiderID     = errors.New("invalid rider id")
	ErrInvalidVehicleType = errors.New("invalid vehicle type")
	ErrInvalidLocation    = errors.New("invalid location")
)
