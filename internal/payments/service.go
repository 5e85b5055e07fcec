package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
)

// RecordInput carries one gateway payment outcome to be appended.
type RecordInput struct {
	CustomerID      uuid.UUID
	MembershipID    *uuid.UUID
	AmountCents     int64
	Currency        string
	Status          enums.PaymentStatus
	StripeInvoiceID string
	Description     *string
}

// Service records and reads payment history.
type Service interface {
	// Record appends a payment row. It never updates existing rows;
	// a failed attempt followed by a success is two rows.
	Record(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListForCustomer(ctx context.Context, customerID uuid.UUID, params pagination.Params) ([]models.Payment, *pagination.Cursor, error)
}

// ServiceParams wires the payment service dependencies.
type ServiceParams struct {
	Repo         Repository
	CustomerRepo customers.Repository
	Logger       *logger.Logger
}

type service struct {
	repo         Repository
	customerRepo customers.Repository
	logger       *logger.Logger
}

// NewService builds the payment service from its dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository is required")
	}
	if params.CustomerRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer repository is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger is required")
	}
	return &service{
		repo:         params.Repo,
		customerRepo: params.CustomerRepo,
		logger:       params.Logger,
	}, nil
}

func (s *service) Record(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.Payment, error) {
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment status")
	}
	if input.AmountCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	}

	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "usd"
	}

	customer, err := s.customerRepo.WithTx(tx).FindByID(ctx, input.CustomerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}

	payment := &models.Payment{
		CustomerID:      input.CustomerID,
		MembershipID:    input.MembershipID,
		AmountCents:     input.AmountCents,
		Currency:        currency,
		Status:          input.Status,
		StripeInvoiceID: input.StripeInvoiceID,
		Description:     input.Description,
	}
	if err := s.repo.WithTx(tx).Create(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "recording payment")
	}

	logCtx := s.logger.WithFields(ctx, map[string]any{
		"payment_id":  payment.ID,
		"customer_id": payment.CustomerID,
		"status":      payment.Status,
		"amount":      payment.AmountCents,
	})
	s.logger.Info(logCtx, "payment recorded")
	return payment, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

func (s *service) ListForCustomer(ctx context.Context, customerID uuid.UUID, params pagination.Params) ([]models.Payment, *pagination.Cursor, error) {
	customer, err := s.customerRepo.FindByID(ctx, customerID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "looking up customer")
	}
	if customer == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	rows, next, err := s.repo.ListByCustomer(ctx, customerID, params)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing payments")
	}
	return rows, next, nil
}
