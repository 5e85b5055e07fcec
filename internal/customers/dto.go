package customers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("phone", validPhone)
	return v
}

// validPhone accepts digits with optional formatting characters and a leading +.
func validPhone(fl validator.FieldLevel) bool {
	raw := strings.TrimSpace(fl.Field().String())
	if raw == "" {
		return false
	}
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// CreateCustomerInput carries the fields required to register a customer.
type CreateCustomerInput struct {
	Name  string `json:"name" validate:"required,min=1,max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,phone"`
}

// UpdateCustomerInput patches mutable customer fields. Nil means unchanged.
type UpdateCustomerInput struct {
	Name  *string `json:"name" validate:"omitempty,min=1,max=200"`
	Email *string `json:"email" validate:"omitempty,email"`
	Phone *string `json:"phone" validate:"omitempty,phone"`
}

// Validate collects every invalid field into a single validation error.
func (in CreateCustomerInput) Validate() error {
	return collectValidation(validate.Struct(in))
}

// Validate collects every invalid field into a single validation error.
func (in UpdateCustomerInput) Validate() error {
	if in.Name == nil && in.Email == nil && in.Phone == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "no fields to update")
	}
	return collectValidation(validate.Struct(in))
}

func collectValidation(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid input")
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return pkgerrors.New(pkgerrors.CodeValidation, strings.Join(msgs, "; "))
}

// CustomerResponse is the API shape for a customer.
type CustomerResponse struct {
	ID                 string  `json:"id"`
	StripeCustomerID   string  `json:"stripe_customer_id"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Phone              string  `json:"phone"`
	MembershipStatus   string  `json:"membership_status"`
	ActiveMembershipID *string `json:"active_membership_id,omitempty"`
	IsActive           bool    `json:"is_active"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// ToResponse maps the model into the API shape.
func ToResponse(c *models.Customer) CustomerResponse {
	resp := CustomerResponse{
		ID:               c.ID.String(),
		StripeCustomerID: c.StripeCustomerID,
		Name:             c.Name,
		Email:            c.Email,
		Phone:            c.Phone,
		MembershipStatus: string(c.MembershipStatus),
		IsActive:         c.IsActive,
		CreatedAt:        c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:        c.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if c.ActiveMembershipID != nil {
		id := c.ActiveMembershipID.String()
		resp.ActiveMembershipID = &id
	}
	return resp
}
