package dto

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/gocomet/courier-dispatch/internal/domain/rider"
)

// RegisterValidators installs the custom binding tags used by the request types
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("vehicle_type", func(fl validator.FieldLevel) bool {
		return rider.VehicleType(fl.Field().String()).IsValid()
	})
}
