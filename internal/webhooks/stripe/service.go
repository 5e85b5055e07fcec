package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/internal/payments"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	pkgerrors "github.com/memberhubhq/memberhub-backend/pkg/errors"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/metrics"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
)

// Outcome labels for webhook metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type membershipSyncer interface {
	SyncFromGateway(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, snap memberships.GatewaySnapshot) (*models.Membership, error)
	PlanForPrice(priceID string) (enums.PlanType, bool)
}

type paymentRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, input payments.RecordInput) (*models.Payment, error)
}

type notificationEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ServiceParams wires the webhook dispatcher dependencies.
type ServiceParams struct {
	Ledger            Repository
	CustomerRepo      customers.Repository
	MembershipRepo    memberships.Repository
	Memberships       membershipSyncer
	Payments          paymentRecorder
	Outbox            notificationEmitter
	TransactionRunner txRunner
	Metrics           *metrics.WebhookMetrics
	Logger            *logger.Logger
}

// Service routes verified Stripe events to the domain services. Every event
// is claimed in the durable ledger inside the same transaction as its
// effects, so an event either fully applies once or not at all.
type Service struct {
	ledger         Repository
	customerRepo   customers.Repository
	membershipRepo memberships.Repository
	memberships    membershipSyncer
	payments       paymentRecorder
	outbox         notificationEmitter
	txRunner       txRunner
	metrics        *metrics.WebhookMetrics
	logg           *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook ledger required")
	}
	if params.CustomerRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer repo required")
	}
	if params.MembershipRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "membership repo required")
	}
	if params.Memberships == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "membership service required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment service required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		ledger:         params.Ledger,
		customerRepo:   params.CustomerRepo,
		membershipRepo: params.MembershipRepo,
		memberships:    params.Memberships,
		payments:       params.Payments,
		outbox:         params.Outbox,
		txRunner:       params.TransactionRunner,
		metrics:        params.Metrics,
		logg:           params.Logger,
	}, nil
}

// HandleEvent applies one verified event. Returning an error leaves the event
// unclaimed so the gateway's retry can reprocess it.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"stripe_event_id": event.ID,
		"event_type":      string(event.Type),
	})

	outcome := OutcomeFailed
	defer func() {
		s.metrics.Observe(string(event.Type), outcome)
	}()

	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		claimed, err := s.ledger.MarkProcessedTx(ctx, tx, event.ID, string(event.Type))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim webhook event")
		}
		if !claimed {
			outcome = OutcomeDuplicate
			s.logg.Info(logCtx, "stripe event already processed")
			return nil
		}

		routed, err := s.route(logCtx, tx, event)
		if err != nil {
			return err
		}
		if routed {
			outcome = OutcomeProcessed
		} else {
			outcome = OutcomeSkipped
		}
		return nil
	})
	if err != nil {
		outcome = OutcomeFailed
		return err
	}
	return nil
}

// Processed reports whether the event id has a committed ledger row. The
// in-flight redis claim alone is not proof of processing; only the ledger is.
func (s *Service) Processed(ctx context.Context, eventID string) (bool, error) {
	row, err := s.ledger.FindByEventID(ctx, eventID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up webhook event")
	}
	return row != nil, nil
}

// route dispatches to the per-type handler. It reports false when the event
// was deliberately ignored; ignored events still stay claimed in the ledger.
func (s *Service) route(ctx context.Context, tx *gorm.DB, event *stripe.Event) (bool, error) {
	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		return s.handleSubscriptionChange(ctx, tx, event)
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		return s.handleTrialWillEnd(ctx, tx, event)
	case stripe.EventTypeInvoicePaymentSucceeded:
		return s.handleInvoice(ctx, tx, event, enums.PaymentStatusSucceeded)
	case stripe.EventTypeInvoicePaymentFailed:
		return s.handleInvoice(ctx, tx, event, enums.PaymentStatusFailed)
	default:
		s.logg.Info(ctx, "unhandled stripe event type, ignoring")
		return false, nil
	}
}

func (s *Service) handleSubscriptionChange(ctx context.Context, tx *gorm.DB, event *stripe.Event) (bool, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		// A payload that does not decode will never decode; keep the claim.
		s.logg.Error(ctx, "malformed subscription payload, dropping event", err)
		return false, nil
	}

	customer, err := s.customerForGatewayID(ctx, tx, gatewayCustomerID(&sub))
	if err != nil || customer == nil {
		return false, err
	}

	snap := memberships.SnapshotFromStripe(&sub, s.memberships.PlanForPrice)
	if _, err := s.memberships.SyncFromGateway(ctx, tx, customer.ID, snap); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			// Subscription on a price this system does not sell.
			s.logg.Error(ctx, "subscription rejected by sync, dropping event", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) handleTrialWillEnd(ctx context.Context, tx *gorm.DB, event *stripe.Event) (bool, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.logg.Error(ctx, "malformed subscription payload, dropping event", err)
		return false, nil
	}

	customer, err := s.customerForGatewayID(ctx, tx, gatewayCustomerID(&sub))
	if err != nil || customer == nil {
		return false, err
	}
	membership, err := s.membershipRepo.WithTx(tx).FindByStripeID(ctx, sub.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load membership")
	}
	if membership == nil {
		s.logg.Warn(ctx, "trial warning for unknown membership, dropping event")
		return false, nil
	}

	var trialEnd *time.Time
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		trialEnd = &t
	}

	intent := outbox.DomainEvent{
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateMembership,
		AggregateID:   membership.ID,
		DedupKey:      fmt.Sprintf("trial_ending:%s:%d", sub.ID, sub.TrialEnd),
		Version:       1,
		Data: payloads.NotificationRequestedEvent{
			CustomerID:   customer.ID,
			MembershipID: &membership.ID,
			Kind:         enums.NotificationKindTrialEnding,
			Phone:        customer.Phone,
			CustomerName: customer.Name,
			PeriodEnd:    trialEnd,
		},
	}
	if err := s.outbox.EmitIfNotExists(ctx, tx, intent); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue trial warning")
	}
	return true, nil
}

func (s *Service) handleInvoice(ctx context.Context, tx *gorm.DB, event *stripe.Event, status enums.PaymentStatus) (bool, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		s.logg.Error(ctx, "malformed invoice payload, dropping event", err)
		return false, nil
	}

	var gatewayCustomer string
	if invoice.Customer != nil {
		gatewayCustomer = invoice.Customer.ID
	}
	customer, err := s.customerForGatewayID(ctx, tx, gatewayCustomer)
	if err != nil || customer == nil {
		return false, err
	}

	var membershipID *uuid.UUID
	if subID := invoiceSubscriptionID(event); subID != "" {
		membership, err := s.membershipRepo.WithTx(tx).FindByStripeID(ctx, subID)
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load membership")
		}
		if membership != nil {
			membershipID = &membership.ID
		}
	}

	amount := invoice.AmountPaid
	if status == enums.PaymentStatusFailed {
		amount = invoice.AmountDue
	}
	reason := string(invoice.BillingReason)
	var description *string
	if reason != "" {
		description = &reason
	}

	payment, err := s.payments.Record(ctx, tx, payments.RecordInput{
		CustomerID:      customer.ID,
		MembershipID:    membershipID,
		AmountCents:     amount,
		Currency:        string(invoice.Currency),
		Status:          status,
		StripeInvoiceID: invoice.ID,
		Description:     description,
	})
	if err != nil {
		return false, err
	}

	kind := enums.NotificationKindPaymentReceipt
	switch {
	case status == enums.PaymentStatusFailed:
		kind = enums.NotificationKindPaymentFailed
	case invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle:
		kind = enums.NotificationKindRenewalReceipt
	}

	intent := outbox.DomainEvent{
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		Data: payloads.NotificationRequestedEvent{
			CustomerID:   customer.ID,
			MembershipID: membershipID,
			PaymentID:    &payment.ID,
			Kind:         kind,
			Phone:        customer.Phone,
			CustomerName: customer.Name,
			AmountCents:  &amount,
		},
	}
	if err := s.outbox.Emit(ctx, tx, intent); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue payment notification")
	}
	return true, nil
}

// customerForGatewayID resolves the local customer. A nil return with nil
// error means the event belongs to no known customer and should be dropped.
func (s *Service) customerForGatewayID(ctx context.Context, tx *gorm.DB, gatewayID string) (*models.Customer, error) {
	if gatewayID == "" {
		s.logg.Warn(ctx, "stripe event without customer reference, dropping")
		return nil, nil
	}
	customer, err := s.customerRepo.WithTx(tx).FindByStripeID(ctx, gatewayID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load customer")
	}
	if customer == nil {
		logCtx := s.logg.WithField(ctx, "stripe_customer_id", gatewayID)
		s.logg.Warn(logCtx, "stripe event for unknown customer, dropping")
		return nil, nil
	}
	return customer, nil
}

func gatewayCustomerID(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

// invoiceSubscriptionID digs the subscription reference out of the raw event.
// The field moved under parent.subscription_details in recent API versions.
func invoiceSubscriptionID(event *stripe.Event) string {
	if id := event.GetObjectValue("subscription"); id != "" {
		return id
	}
	return event.GetObjectValue("parent", "subscription_details", "subscription")
}
