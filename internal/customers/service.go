package customers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
)

// Service defines the customer registry surface.
type Service interface {
	Create(ctx context.Context, input CreateCustomerInput) (*models.Customer, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	GetByGatewayID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateCustomerInput) (*models.Customer, error)
	List(ctx context.Context, params pagination.Params) ([]models.Customer, *pagination.Cursor, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// ServiceParams groups dependencies for the customer service.
type ServiceParams struct {
	Repo         Repository
	StripeClient StripeCustomerClient
	Logger       *logger.Logger
	CallTimeout  time.Duration
}

type service struct {
	repo        Repository
	stripe      StripeCustomerClient
	logg        *logger.Logger
	callTimeout time.Duration
}

// NewService builds a customer service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, errors.New("customer repo required")
	}
	if params.StripeClient == nil {
		return nil, errors.New("stripe client required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &service{
		repo:        params.Repo,
		stripe:      params.StripeClient,
		logg:        params.Logger,
		callTimeout: timeout,
	}, nil
}

// Create registers the customer with the gateway first, then persists the
// local record. A local failure after the remote create leaves an orphaned
// gateway customer, which is surfaced for reconciliation rather than rolled back.
func (s *service) Create(ctx context.Context, input CreateCustomerInput) (*models.Customer, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	existing, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer by email")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "customer email already registered")
	}

	params := &stripe.CustomerParams{
		Name:  stripe.String(strings.TrimSpace(input.Name)),
		Email: stripe.String(email),
		Phone: stripe.String(strings.TrimSpace(input.Phone)),
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	remote, err := s.stripe.Create(callCtx, params)
	if err != nil {
		return nil, s.gatewayError(err, "create gateway customer")
	}

	customer := &models.Customer{
		StripeCustomerID: remote.ID,
		Name:             strings.TrimSpace(input.Name),
		Email:            email,
		Phone:            strings.TrimSpace(input.Phone),
		IsActive:         true,
	}
	if err := s.repo.Create(ctx, customer); err != nil {
		orphanCtx := s.logg.WithFields(ctx, map[string]any{
			"stripe_customer_id": remote.ID,
			"email":              email,
		})
		s.logg.Error(orphanCtx, "customer persisted remotely but not locally; needs reconciliation", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodePartialCreation, err, "persist customer")
	}

	return customer, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	customer, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return customer, nil
}

func (s *service) GetByGatewayID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	if strings.TrimSpace(stripeCustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe customer id is required")
	}
	customer, err := s.repo.FindByStripeID(ctx, stripeCustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer by gateway id")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	return customer, nil
}

// Update patches local fields and mirrors the change to the gateway.
func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdateCustomerInput) (*models.Customer, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}

	customer, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	params := &stripe.CustomerParams{}
	if input.Name != nil {
		customer.Name = strings.TrimSpace(*input.Name)
		params.Name = stripe.String(customer.Name)
	}
	if input.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*input.Email))
		if email != customer.Email {
			other, err := s.repo.FindByEmail(ctx, email)
			if err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer by email")
			}
			if other != nil && other.ID != customer.ID {
				return nil, pkgerrors.New(pkgerrors.CodeConflict, "customer email already registered")
			}
		}
		customer.Email = email
		params.Email = stripe.String(email)
	}
	if input.Phone != nil {
		customer.Phone = strings.TrimSpace(*input.Phone)
		params.Phone = stripe.String(customer.Phone)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if _, err := s.stripe.Update(callCtx, customer.StripeCustomerID, params); err != nil {
		return nil, s.gatewayError(err, "update gateway customer")
	}

	if err := s.repo.Update(ctx, customer); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist customer update")
	}
	return customer, nil
}

func (s *service) List(ctx context.Context, params pagination.Params) ([]models.Customer, *pagination.Cursor, error) {
	var cursor *pagination.Cursor
	if params.Cursor != "" {
		parsed, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		cursor = parsed
	}
	rows, next, err := s.repo.List(ctx, ListQuery{Limit: params.Limit, Cursor: cursor})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list customers")
	}
	return rows, next, nil
}

func (s *service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deactivate customer")
	}
	return nil
}

func (s *service) gatewayError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
