package memberships

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type notificationEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service defines the membership lifecycle surface.
type Service interface {
	Create(ctx context.Context, customerID uuid.UUID, plan string, paymentMethodRef string) (*models.Membership, error)
	Cancel(ctx context.Context, membershipID uuid.UUID, atPeriodEnd bool) (*models.Membership, error)
	Reactivate(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error)
	Get(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error)
	SyncFromGateway(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, snap GatewaySnapshot) (*models.Membership, error)
	PlanForPrice(priceID string) (enums.PlanType, bool)
}

// ServiceParams groups dependencies for the membership service.
type ServiceParams struct {
	Repo              Repository
	CustomerRepo      customers.Repository
	StripeClient      StripeSubscriptionClient
	Outbox            notificationEmitter
	TransactionRunner txRunner
	Logger            *logger.Logger
	// PriceIDs maps plan type to the configured Stripe price.
	PriceIDs    map[enums.PlanType]string
	CallTimeout time.Duration
}

type service struct {
	repo         Repository
	customerRepo customers.Repository
	stripe       StripeSubscriptionClient
	outbox       notificationEmitter
	txRunner     txRunner
	logg         *logger.Logger
	priceIDs     map[enums.PlanType]string
	callTimeout  time.Duration
}

// NewService builds a membership service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, errors.New("membership repo required")
	}
	if params.CustomerRepo == nil {
		return nil, errors.New("customer repo required")
	}
	if params.StripeClient == nil {
		return nil, errors.New("stripe client required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox service required")
	}
	if params.TransactionRunner == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if len(params.PriceIDs) == 0 {
		return nil, errors.New("price ids required")
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &service{
		repo:         params.Repo,
		customerRepo: params.CustomerRepo,
		stripe:       params.StripeClient,
		outbox:       params.Outbox,
		txRunner:     params.TransactionRunner,
		logg:         params.Logger,
		priceIDs:     params.PriceIDs,
		callTimeout:  timeout,
	}, nil
}

// PlanForPrice reverse-maps a configured Stripe price to its plan type.
func (s *service) PlanForPrice(priceID string) (enums.PlanType, bool) {
	for plan, id := range s.priceIDs {
		if id != "" && id == priceID {
			return plan, true
		}
	}
	return "", false
}

// Create starts a subscription at the gateway and mirrors it locally. The plan
// must parse before any remote call. The local row stays unconfirmed until the
// first gateway-driven sync overwrites it.
func (s *service) Create(ctx context.Context, customerID uuid.UUID, plan string, paymentMethodRef string) (*models.Membership, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	planType, err := enums.ParsePlanType(strings.TrimSpace(plan))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidPlan, err, "unknown plan")
	}
	priceID := s.priceIDs[planType]
	if priceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("no price configured for plan %s", planType))
	}

	customer, err := s.customerRepo.FindByID(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found")
	}
	if !customer.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "customer is deactivated")
	}
	if customer.ActiveMembershipID != nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "customer already has a live membership")
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customer.StripeCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	if ref := strings.TrimSpace(paymentMethodRef); ref != "" {
		params.DefaultPaymentMethod = stripe.String(ref)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	remote, err := s.stripe.Create(callCtx, params)
	if err != nil {
		return nil, s.gatewayError(err, "create gateway subscription")
	}

	snap := SnapshotFromStripe(remote, s.PlanForPrice)
	membership := &models.Membership{
		CustomerID:           customer.ID,
		StripeSubscriptionID: remote.ID,
		PlanType:             planType,
	}
	applySnapshot(membership, snap)

	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, membership); err != nil {
			return err
		}
		if err := s.updateCustomerState(ctx, tx, customer.ID, membership); err != nil {
			return err
		}
		if isLive(membership) {
			s.emitNotification(ctx, tx, customer, membership, enums.NotificationKindWelcome, "")
		}
		return nil
	})
	if err != nil {
		if cancelErr := s.cancelRemote(ctx, remote.ID); cancelErr != nil {
			cancelCtx := s.logg.WithField(ctx, "stripe_subscription_id", remote.ID)
			s.logg.Error(cancelCtx, "failed to cancel gateway subscription after local error", cancelErr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist membership")
	}

	return membership, nil
}

// Cancel flips cancel_at_period_end (soft, the default) or tears the
// subscription down immediately. Canceling an already terminated membership is
// a no-op that returns current state.
func (s *service) Cancel(ctx context.Context, membershipID uuid.UUID, atPeriodEnd bool) (*models.Membership, error) {
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if membership.Status.IsTerminated() {
		return membership, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var remote *stripe.Subscription
	if atPeriodEnd {
		remote, err = s.stripe.Update(callCtx, membership.StripeSubscriptionID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		remote, err = s.stripe.Cancel(callCtx, membership.StripeSubscriptionID, &stripe.SubscriptionCancelParams{})
	}
	if err != nil {
		return nil, s.gatewayError(err, "cancel gateway subscription")
	}

	return s.persistGatewayUpdate(ctx, membership.CustomerID, SnapshotFromStripe(remote, s.PlanForPrice))
}

// Reactivate clears a scheduled cancellation while the paid period still runs.
func (s *service) Reactivate(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error) {
	membership, err := s.Get(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if membership.Status.IsTerminated() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "membership already terminated")
	}
	if !membership.CancelAtPeriodEnd {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "membership is not scheduled to cancel")
	}
	if !membership.CurrentPeriodEnd.After(time.Now().UTC()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "membership period has already elapsed")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	remote, err := s.stripe.Update(callCtx, membership.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, s.gatewayError(err, "reactivate gateway subscription")
	}

	return s.persistGatewayUpdate(ctx, membership.CustomerID, SnapshotFromStripe(remote, s.PlanForPrice))
}

func (s *service) Get(ctx context.Context, membershipID uuid.UUID) (*models.Membership, error) {
	if membershipID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "membership id is required")
	}
	membership, err := s.repo.FindByID(ctx, membershipID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup membership")
	}
	if membership == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "membership not found")
	}
	return membership, nil
}

func (s *service) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error) {
	if customerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	rows, err := s.repo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list memberships")
	}
	return rows, nil
}

// SyncFromGateway is the single chokepoint where gateway state overwrites
// local state. The membership row is locked for the duration of the caller's
// transaction so concurrent syncs of the same membership serialize. Creates
// the row when the gateway saw the subscription first.
func (s *service) SyncFromGateway(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, snap GatewaySnapshot) (*models.Membership, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if snap.SubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway subscription id is required")
	}

	txRepo := s.repo.WithTx(tx)
	membership, err := txRepo.FindByStripeIDForUpdate(ctx, snap.SubscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock membership")
	}

	now := time.Now().UTC()
	if membership == nil {
		if !snap.PlanType.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway subscription references an unknown price")
		}
		membership = &models.Membership{
			CustomerID:           customerID,
			StripeSubscriptionID: snap.SubscriptionID,
			PlanType:             snap.PlanType,
		}
		applySnapshot(membership, snap)
		membership.ConfirmedAt = &now
		if err := txRepo.Create(ctx, membership); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create membership from gateway")
		}
	} else {
		applySnapshot(membership, snap)
		if membership.ConfirmedAt == nil {
			membership.ConfirmedAt = &now
		}
		if err := txRepo.Update(ctx, membership); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update membership from gateway")
		}
	}

	if err := s.updateCustomerState(ctx, tx, membership.CustomerID, membership); err != nil {
		return nil, err
	}
	return membership, nil
}

func (s *service) persistGatewayUpdate(ctx context.Context, customerID uuid.UUID, snap GatewaySnapshot) (*models.Membership, error) {
	var updated *models.Membership
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		m, err := s.SyncFromGateway(ctx, tx, customerID, snap)
		if err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist membership update")
	}
	return updated, nil
}

// updateCustomerState recomputes the owning customer's membership status in
// the same transaction that mutated the membership.
func (s *service) updateCustomerState(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, membership *models.Membership) error {
	status := CustomerStatusFor(membership, time.Now().UTC())
	var activeID *uuid.UUID
	if isLive(membership) {
		id := membership.ID
		activeID = &id
	}
	if err := s.customerRepo.WithTx(tx).SetMembershipState(ctx, customerID, status, activeID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update customer membership state")
	}
	return nil
}

// emitNotification queues a notification intent in the caller's transaction.
// Failures are logged and never roll back the state change.
func (s *service) emitNotification(ctx context.Context, tx *gorm.DB, customer *models.Customer, membership *models.Membership, kind enums.NotificationKind, dedupKey string) {
	event := outbox.DomainEvent{
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateMembership,
		AggregateID:   membership.ID,
		DedupKey:      dedupKey,
		Version:       1,
		Data: payloads.NotificationRequestedEvent{
			CustomerID:   customer.ID,
			MembershipID: &membership.ID,
			Kind:         kind,
			Phone:        customer.Phone,
			CustomerName: customer.Name,
			PeriodEnd:    periodEndRef(membership),
		},
	}
	var err error
	if dedupKey != "" {
		err = s.outbox.EmitIfNotExists(ctx, tx, event)
	} else {
		err = s.outbox.Emit(ctx, tx, event)
	}
	if err != nil {
		fields := map[string]any{
			"membership_id": membership.ID.String(),
			"kind":          kind,
		}
		s.logg.Error(s.logg.WithFields(ctx, fields), "failed to queue notification intent", err)
	}
}

func periodEndRef(m *models.Membership) *time.Time {
	if m.CurrentPeriodEnd.IsZero() {
		return nil
	}
	end := m.CurrentPeriodEnd
	return &end
}

func (s *service) cancelRemote(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err := s.stripe.Cancel(callCtx, id, &stripe.SubscriptionCancelParams{})
	return err
}

func (s *service) gatewayError(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
