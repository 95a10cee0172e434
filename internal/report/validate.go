package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/endharassment/surveillance-reports/internal/jurisdiction"
	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/go-playground/validator/v10"
)

// CreateInput is the owner-supplied content of a new report.
type CreateInput struct {
	Category  model.Category `json:"category" validate:"required,category"`
	Notes     string         `json:"notes" validate:"max=5000"`
	Public    bool           `json:"public"`
	Anonymous bool           `json:"anonymous"`
	Latitude  *float64       `json:"latitude" validate:"required_with=Longitude,omitempty,latitude"`
	Longitude *float64       `json:"longitude" validate:"required_with=Latitude,omitempty,longitude"`
}

// UpdateInput changes owner-editable details. Nil fields are left alone.
type UpdateInput struct {
	Category  *model.Category `json:"category" validate:"omitempty,category"`
	Notes     *string         `json:"notes" validate:"omitempty,max=5000"`
	Public    *bool           `json:"public"`
	Anonymous *bool           `json:"anonymous"`
}

// LocationInput is a manually placed pin.
type LocationInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// PostalCodeInput is a manually entered postal code.
type PostalCodeInput struct {
	PostalCode string `json:"postal_code" validate:"required,postal_code"`
}

// TransitionInput is an administrative status change.
type TransitionInput struct {
	Status model.ReportStatus `json:"status" validate:"required"`
	Note   string             `json:"note" validate:"max=2000"`
}

// inputValidator wraps go-playground validator with the report rules.
type inputValidator struct {
	validate *validator.Validate
}

func newInputValidator() *inputValidator {
	v := validator.New()
	v.RegisterValidation("category", validateCategory)
	v.RegisterValidation("postal_code", validatePostalCode)
	return &inputValidator{validate: v}
}

// Struct validates in and converts failures into a ValidationError.
func (iv *inputValidator) Struct(in any) error {
	err := iv.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating input: %w", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return validationErr("invalid input: " + strings.Join(parts, ", "))
}

func validateCategory(fl validator.FieldLevel) bool {
	return model.Category(fl.Field().String()).Valid()
}

func validatePostalCode(fl validator.FieldLevel) bool {
	_, ok := jurisdiction.NormalizePostalCode(fl.Field().String())
	return ok
}
