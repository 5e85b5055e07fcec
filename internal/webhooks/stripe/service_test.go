package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/internal/payments"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
)

type stubLedger struct {
	claimed map[string]bool
	err     error
}

func newStubLedger() *stubLedger {
	return &stubLedger{claimed: map[string]bool{}}
}

func (l *stubLedger) MarkProcessedTx(ctx context.Context, tx *gorm.DB, eventID, eventType string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.claimed[eventID] {
		return false, nil
	}
	l.claimed[eventID] = true
	return true, nil
}

func (l *stubLedger) FindByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	if !l.claimed[eventID] {
		return nil, nil
	}
	return &models.WebhookEvent{StripeEventID: eventID}, nil
}

type stubCustomerRepo struct {
	byStripeID map[string]*models.Customer
}

func (r *stubCustomerRepo) WithTx(tx *gorm.DB) customers.Repository { return r }

func (r *stubCustomerRepo) Create(ctx context.Context, c *models.Customer) error { return nil }
func (r *stubCustomerRepo) Update(ctx context.Context, c *models.Customer) error { return nil }

func (r *stubCustomerRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	for _, c := range r.byStripeID {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (r *stubCustomerRepo) FindByStripeID(ctx context.Context, stripeID string) (*models.Customer, error) {
	return r.byStripeID[stripeID], nil
}

func (r *stubCustomerRepo) FindByEmail(ctx context.Context, email string) (*models.Customer, error) {
	return nil, nil
}

func (r *stubCustomerRepo) List(ctx context.Context, params customers.ListQuery) ([]models.Customer, *pagination.Cursor, error) {
	return nil, nil, nil
}

func (r *stubCustomerRepo) SetMembershipState(ctx context.Context, id uuid.UUID, status enums.MembershipStatus, activeMembershipID *uuid.UUID) error {
	return nil
}

func (r *stubCustomerRepo) Deactivate(ctx context.Context, id uuid.UUID) error { return nil }

type stubMembershipRepo struct {
	byStripeID map[string]*models.Membership
}

func (r *stubMembershipRepo) WithTx(tx *gorm.DB) memberships.Repository { return r }

func (r *stubMembershipRepo) Create(ctx context.Context, m *models.Membership) error { return nil }
func (r *stubMembershipRepo) Update(ctx context.Context, m *models.Membership) error { return nil }

func (r *stubMembershipRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return nil, nil
}

func (r *stubMembershipRepo) FindByStripeID(ctx context.Context, stripeID string) (*models.Membership, error) {
	return r.byStripeID[stripeID], nil
}

func (r *stubMembershipRepo) FindByStripeIDForUpdate(ctx context.Context, stripeID string) (*models.Membership, error) {
	return r.byStripeID[stripeID], nil
}

func (r *stubMembershipRepo) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error) {
	return nil, nil
}

func (r *stubMembershipRepo) ListExpiringWithin(ctx context.Context, horizon time.Duration, limit int) ([]models.Membership, error) {
	return nil, nil
}

func (r *stubMembershipRepo) ListForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Membership, error) {
	return nil, nil
}

type stubSyncer struct {
	calls []memberships.GatewaySnapshot
	err   error
}

func (s *stubSyncer) SyncFromGateway(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, snap memberships.GatewaySnapshot) (*models.Membership, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, snap)
	return &models.Membership{ID: uuid.New(), CustomerID: customerID}, nil
}

func (s *stubSyncer) PlanForPrice(priceID string) (enums.PlanType, bool) {
	if priceID == "price_monthly" {
		return enums.PlanTypeMonthly, true
	}
	return "", false
}

type stubRecorder struct {
	calls []payments.RecordInput
	err   error
}

func (s *stubRecorder) Record(ctx context.Context, tx *gorm.DB, input payments.RecordInput) (*models.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, input)
	return &models.Payment{
		ID:         uuid.New(),
		CustomerID: input.CustomerID,
		Status:     input.Status,
	}, nil
}

type stubOutbox struct {
	events []outbox.DomainEvent
}

func (s *stubOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubOutbox) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	for _, existing := range s.events {
		if existing.DedupKey == event.DedupKey {
			return nil
		}
	}
	s.events = append(s.events, event)
	return nil
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

type webhookFixture struct {
	svc      *Service
	ledger   *stubLedger
	syncer   *stubSyncer
	recorder *stubRecorder
	outbox   *stubOutbox
	customer *models.Customer
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	customer := &models.Customer{
		ID:               uuid.New(),
		StripeCustomerID: "cus_hook",
		Name:             "Hook Customer",
		Phone:            "5550001111",
		IsActive:         true,
	}
	ledger := newStubLedger()
	syncer := &stubSyncer{}
	recorder := &stubRecorder{}
	ob := &stubOutbox{}
	svc, err := NewService(ServiceParams{
		Ledger:            ledger,
		CustomerRepo:      &stubCustomerRepo{byStripeID: map[string]*models.Customer{customer.StripeCustomerID: customer}},
		MembershipRepo:    &stubMembershipRepo{byStripeID: map[string]*models.Membership{}},
		Memberships:       syncer,
		Payments:          recorder,
		Outbox:            ob,
		TransactionRunner: stubTxRunner{},
		Logger:            logger.New(logger.Options{ServiceName: "webhooks-test"}),
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &webhookFixture{svc: svc, ledger: ledger, syncer: syncer, recorder: recorder, outbox: ob, customer: customer}
}

func eventWithRaw(t *testing.T, id string, eventType stripe.EventType, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return &stripe.Event{
		ID:   id,
		Type: eventType,
		Data: &stripe.EventData{Raw: raw, Object: rawToMap(t, raw)},
	}
}

func rawToMap(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal event object: %v", err)
	}
	return m
}

func TestHandleEventDuplicateIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	f.ledger.claimed["evt_dup"] = true

	event := eventWithRaw(t, "evt_dup", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":       "sub_1",
		"customer": "cus_hook",
		"status":   "active",
	})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.syncer.calls) != 0 {
		t.Fatalf("duplicate event must not reach the handler")
	}
}

func TestProcessedFollowsLedger(t *testing.T) {
	f := newWebhookFixture(t)

	processed, err := f.svc.Processed(context.Background(), "evt_pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed {
		t.Fatalf("unclaimed event must not report processed")
	}

	f.ledger.claimed["evt_pending"] = true
	processed, err = f.svc.Processed(context.Background(), "evt_pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !processed {
		t.Fatalf("committed event must report processed")
	}
}

func TestHandleEventSubscriptionUpdateSyncs(t *testing.T) {
	f := newWebhookFixture(t)

	event := eventWithRaw(t, "evt_sub", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":       "sub_1",
		"customer": "cus_hook",
		"status":   "active",
		"items": map[string]any{
			"data": []map[string]any{
				{
					"current_period_end": time.Now().Add(720 * time.Hour).Unix(),
					"price":              map[string]any{"id": "price_monthly"},
				},
			},
		},
	})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.syncer.calls) != 1 {
		t.Fatalf("expected one sync, got %d", len(f.syncer.calls))
	}
	snap := f.syncer.calls[0]
	if snap.SubscriptionID != "sub_1" || snap.PlanType != enums.PlanTypeMonthly {
		t.Fatalf("snapshot not built from event: %+v", snap)
	}
	if !f.ledger.claimed["evt_sub"] {
		t.Fatalf("event should be claimed")
	}
}

func TestHandleEventUnknownCustomerIsDroppedButClaimed(t *testing.T) {
	f := newWebhookFixture(t)

	event := eventWithRaw(t, "evt_stranger", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":       "sub_x",
		"customer": "cus_stranger",
		"status":   "active",
	})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.syncer.calls) != 0 {
		t.Fatalf("unmapped customer must not sync")
	}
	if !f.ledger.claimed["evt_stranger"] {
		t.Fatalf("dropped event still gets claimed")
	}
}

func TestHandleEventRenewalInvoiceRecordsPayment(t *testing.T) {
	f := newWebhookFixture(t)

	event := eventWithRaw(t, "evt_inv", stripe.EventTypeInvoicePaymentSucceeded, map[string]any{
		"id":             "in_1",
		"customer":       map[string]any{"id": "cus_hook"},
		"amount_paid":    1999,
		"currency":       "usd",
		"billing_reason": "subscription_cycle",
	})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.recorder.calls) != 1 {
		t.Fatalf("expected one payment, got %d", len(f.recorder.calls))
	}
	record := f.recorder.calls[0]
	if record.Status != enums.PaymentStatusSucceeded || record.AmountCents != 1999 {
		t.Fatalf("payment input wrong: %+v", record)
	}
	if len(f.outbox.events) != 1 {
		t.Fatalf("expected one notification intent")
	}
	raw, _ := json.Marshal(f.outbox.events[0].Data)
	var decoded struct {
		Kind enums.NotificationKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if decoded.Kind != enums.NotificationKindRenewalReceipt {
		t.Fatalf("renewal invoice should queue a renewal receipt, got %s", decoded.Kind)
	}
}

func TestHandleEventFailedInvoiceQueuesFailureNotice(t *testing.T) {
	f := newWebhookFixture(t)

	event := eventWithRaw(t, "evt_fail", stripe.EventTypeInvoicePaymentFailed, map[string]any{
		"id":             "in_2",
		"customer":       map[string]any{"id": "cus_hook"},
		"amount_due":     1999,
		"currency":       "usd",
		"billing_reason": "subscription_cycle",
	})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.recorder.calls) != 1 || f.recorder.calls[0].Status != enums.PaymentStatusFailed {
		t.Fatalf("failed attempt not recorded: %+v", f.recorder.calls)
	}
	raw, _ := json.Marshal(f.outbox.events[0].Data)
	var decoded struct {
		Kind enums.NotificationKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if decoded.Kind != enums.NotificationKindPaymentFailed {
		t.Fatalf("expected payment_failed notice, got %s", decoded.Kind)
	}
}

func TestHandleEventTrialWarningDedupes(t *testing.T) {
	f := newWebhookFixture(t)
	membership := &models.Membership{ID: uuid.New(), CustomerID: f.customer.ID, StripeSubscriptionID: "sub_trial"}
	repo := &stubMembershipRepo{byStripeID: map[string]*models.Membership{"sub_trial": membership}}
	f.svc.membershipRepo = repo

	trialEnd := time.Now().Add(72 * time.Hour).Unix()
	for _, id := range []string{"evt_trial_a", "evt_trial_b"} {
		event := eventWithRaw(t, id, stripe.EventTypeCustomerSubscriptionTrialWillEnd, map[string]any{
			"id":        "sub_trial",
			"customer":  "cus_hook",
			"status":    "trialing",
			"trial_end": trialEnd,
		})
		if err := f.svc.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(f.outbox.events) != 1 {
		t.Fatalf("trial warning should dedup across deliveries, got %d intents", len(f.outbox.events))
	}
	if f.outbox.events[0].DedupKey == "" {
		t.Fatalf("trial warning must carry a dedup key")
	}
}

func TestHandleEventMalformedPayloadIsClaimed(t *testing.T) {
	f := newWebhookFixture(t)

	event := &stripe.Event{
		ID:   "evt_bad",
		Type: stripe.EventTypeCustomerSubscriptionUpdated,
		Data: &stripe.EventData{Raw: json.RawMessage(`{"status": 42}`)},
	}
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("malformed payload should not error: %v", err)
	}
	if !f.ledger.claimed["evt_bad"] {
		t.Fatalf("malformed event should stay claimed so it is not redelivered")
	}
}

func TestHandleEventHandlerErrorLeavesEventRetriable(t *testing.T) {
	f := newWebhookFixture(t)
	f.syncer.err = errors.New("db down")

	event := eventWithRaw(t, "evt_err", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id":       "sub_1",
		"customer": "cus_hook",
		"status":   "active",
	})
	if err := f.svc.HandleEvent(context.Background(), event); err == nil {
		t.Fatalf("expected handler error to propagate")
	}
}

func TestHandleEventUnknownTypeIsIgnored(t *testing.T) {
	f := newWebhookFixture(t)

	event := eventWithRaw(t, "evt_misc", "charge.refunded", map[string]any{"id": "ch_1"})
	if err := f.svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.outbox.events) != 0 || len(f.recorder.calls) != 0 || len(f.syncer.calls) != 0 {
		t.Fatalf("ignored event must have no effects")
	}
	if !f.ledger.claimed["evt_misc"] {
		t.Fatalf("ignored event still gets claimed")
	}
}
