package memberships

import (
	"context"
	"errors"
	"testing"
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
	"github.com/memberhubhq/memberhub-backend/pkg/pagination"
)

const (
	monthlyPrice = "price_monthly"
	annualPrice  = "price_annual"
)

type stubMembershipRepo struct {
	byID      map[uuid.UUID]*models.Membership
	createErr error
}

func newStubMembershipRepo() *stubMembershipRepo {
	return &stubMembershipRepo{byID: map[uuid.UUID]*models.Membership{}}
}

func (r *stubMembershipRepo) WithTx(tx *gorm.DB) Repository { return r }

func (r *stubMembershipRepo) Create(ctx context.Context, m *models.Membership) error {
	if r.createErr != nil {
		return r.createErr
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.byID[m.ID] = m
	return nil
}

func (r *stubMembershipRepo) Update(ctx context.Context, m *models.Membership) error {
	r.byID[m.ID] = m
	return nil
}

func (r *stubMembershipRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	return r.byID[id], nil
}

func (r *stubMembershipRepo) FindByStripeID(ctx context.Context, stripeID string) (*models.Membership, error) {
	for _, m := range r.byID {
		if m.StripeSubscriptionID == stripeID {
			return m, nil
		}
	}
	return nil, nil
}

func (r *stubMembershipRepo) FindByStripeIDForUpdate(ctx context.Context, stripeID string) (*models.Membership, error) {
	return r.FindByStripeID(ctx, stripeID)
}

func (r *stubMembershipRepo) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error) {
	var out []models.Membership
	for _, m := range r.byID {
		if m.CustomerID == customerID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *stubMembershipRepo) ListExpiringWithin(ctx context.Context, horizon time.Duration, limit int) ([]models.Membership, error) {
	return nil, nil
}

func (r *stubMembershipRepo) ListForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Membership, error) {
	return nil, nil
}

type stubCustomerRepo struct {
	byID map[uuid.UUID]*models.Customer
}

func newStubCustomerRepo() *stubCustomerRepo {
	return &stubCustomerRepo{byID: map[uuid.UUID]*models.Customer{}}
}

func (r *stubCustomerRepo) WithTx(tx *gorm.DB) customers.Repository { return r }

func (r *stubCustomerRepo) Create(ctx context.Context, c *models.Customer) error {
	r.byID[c.ID] = c
	return nil
}

func (r *stubCustomerRepo) Update(ctx context.Context, c *models.Customer) error {
	r.byID[c.ID] = c
	return nil
}

func (r *stubCustomerRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	return r.byID[id], nil
}

func (r *stubCustomerRepo) FindByStripeID(ctx context.Context, stripeID string) (*models.Customer, error) {
	for _, c := range r.byID {
		if c.StripeCustomerID == stripeID {
			return c, nil
		}
	}
	return nil, nil
}

func (r *stubCustomerRepo) FindByEmail(ctx context.Context, email string) (*models.Customer, error) {
	return nil, nil
}

func (r *stubCustomerRepo) List(ctx context.Context, params customers.ListQuery) ([]models.Customer, *pagination.Cursor, error) {
	return nil, nil, nil
}

func (r *stubCustomerRepo) SetMembershipState(ctx context.Context, id uuid.UUID, status enums.MembershipStatus, activeMembershipID *uuid.UUID) error {
	if c, ok := r.byID[id]; ok {
		c.MembershipStatus = status
		c.ActiveMembershipID = activeMembershipID
	}
	return nil
}

func (r *stubCustomerRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	return nil
}

type stubSubClient struct {
	createCalls int
	updateCalls int
	cancelCalls int
	createErr   error
	next        *stripe.Subscription
	updated     *stripe.Subscription
	canceled    *stripe.Subscription
	lastUpdate  *stripe.SubscriptionParams
}

func (s *stubSubClient) Create(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.next, nil
}

func (s *stubSubClient) Update(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.updateCalls++
	s.lastUpdate = params
	return s.updated, nil
}

func (s *stubSubClient) Cancel(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.cancelCalls++
	return s.canceled, nil
}

func (s *stubSubClient) Get(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.next, nil
}

type stubEmitter struct {
	events []outbox.DomainEvent
	err    error
}

func (e *stubEmitter) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func (e *stubEmitter) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	for _, existing := range e.events {
		if existing.DedupKey == event.DedupKey {
			return nil
		}
	}
	return e.Emit(ctx, tx, event)
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

type fixture struct {
	svc      Service
	repo     *stubMembershipRepo
	custRepo *stubCustomerRepo
	stripeC  *stubSubClient
	emitter  *stubEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newStubMembershipRepo()
	custRepo := newStubCustomerRepo()
	stripeC := &stubSubClient{}
	emitter := &stubEmitter{}
	svc, err := NewService(ServiceParams{
		Repo:              repo,
		CustomerRepo:      custRepo,
		StripeClient:      stripeC,
		Outbox:            emitter,
		TransactionRunner: stubTxRunner{},
		Logger:            logger.New(logger.Options{ServiceName: "memberships-test"}),
		PriceIDs: map[enums.PlanType]string{
			enums.PlanTypeMonthly: monthlyPrice,
			enums.PlanTypeAnnual:  annualPrice,
		},
		CallTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &fixture{svc: svc, repo: repo, custRepo: custRepo, stripeC: stripeC, emitter: emitter}
}

func (f *fixture) seedCustomer(t *testing.T) *models.Customer {
	t.Helper()
	c := &models.Customer{
		ID:               uuid.New(),
		StripeCustomerID: "cus_test",
		Name:             "Test Customer",
		Email:            "test@example.com",
		Phone:            "5551234567",
		MembershipStatus: enums.MembershipStatusNone,
		IsActive:         true,
	}
	f.custRepo.byID[c.ID] = c
	return c
}

func stripeSub(id, status, priceID string, periodEnd time.Time, cancelAtPeriodEnd bool) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                id,
		Status:            stripe.SubscriptionStatus(status),
		CancelAtPeriodEnd: cancelAtPeriodEnd,
		Customer:          &stripe.Customer{ID: "cus_test"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					CurrentPeriodStart: time.Now().Add(-time.Hour).Unix(),
					CurrentPeriodEnd:   periodEnd.Unix(),
					Price:              &stripe.Price{ID: priceID},
				},
			},
		},
	}
}

func TestCreateRejectsUnknownPlanBeforeGatewayCall(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)

	_, err := f.svc.Create(context.Background(), customer.ID, "weekly", "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeInvalidPlan) {
		t.Fatalf("expected invalid plan, got %v", err)
	}
	if f.stripeC.createCalls != 0 {
		t.Fatalf("gateway should not be called for an unknown plan")
	}
}

func TestCreateActiveSubscriptionQueuesWelcome(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	periodEnd := time.Now().Add(30 * 24 * time.Hour)
	f.stripeC.next = stripeSub("sub_1", "active", monthlyPrice, periodEnd, false)

	m, err := f.svc.Create(context.Background(), customer.ID, "monthly", "pm_card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != enums.SubscriptionStatusActive {
		t.Fatalf("unexpected status %s", m.Status)
	}
	if m.ConfirmedAt != nil {
		t.Fatalf("local create must stay unconfirmed until a gateway sync")
	}
	if customer.MembershipStatus != enums.MembershipStatusActive {
		t.Fatalf("customer status not recomputed: %s", customer.MembershipStatus)
	}
	if customer.ActiveMembershipID == nil || *customer.ActiveMembershipID != m.ID {
		t.Fatalf("active membership id not set")
	}
	if len(f.emitter.events) != 1 {
		t.Fatalf("expected one welcome intent, got %d", len(f.emitter.events))
	}
}

func TestCreateIncompleteSubscriptionIsPendingWithoutWelcome(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	f.stripeC.next = stripeSub("sub_2", "incomplete", monthlyPrice, time.Now().Add(30*24*time.Hour), false)

	m, err := f.svc.Create(context.Background(), customer.ID, "monthly", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != enums.SubscriptionStatusPending {
		t.Fatalf("expected pending, got %s", m.Status)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("pending membership must not queue a welcome")
	}
	if customer.ActiveMembershipID != nil {
		t.Fatalf("pending membership must not become the active one")
	}
}

func TestCreateGatewayTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	f.stripeC.createErr = context.DeadlineExceeded

	_, err := f.svc.Create(context.Background(), customer.ID, "monthly", "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeGatewayTimeout) {
		t.Fatalf("expected gateway timeout, got %v", err)
	}
	if len(f.repo.byID) != 0 {
		t.Fatalf("no membership row should exist after gateway timeout")
	}
}

func TestCreateLocalFailureCancelsRemote(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	f.repo.createErr = errors.New("insert failed")
	f.stripeC.next = stripeSub("sub_3", "active", monthlyPrice, time.Now().Add(30*24*time.Hour), false)

	_, err := f.svc.Create(context.Background(), customer.ID, "monthly", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if f.stripeC.cancelCalls != 1 {
		t.Fatalf("remote subscription should be canceled after local failure")
	}
}

func TestCreateConflictsWhenCustomerHasLiveMembership(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	existing := uuid.New()
	customer.ActiveMembershipID = &existing

	_, err := f.svc.Create(context.Background(), customer.ID, "monthly", "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestCancelSoftFlagsPeriodEnd(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	periodEnd := time.Now().Add(20 * 24 * time.Hour)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_soft",
		PlanType:             enums.PlanTypeMonthly,
		Status:               enums.SubscriptionStatusActive,
		CurrentPeriodEnd:     periodEnd,
	}
	f.repo.byID[m.ID] = m
	f.stripeC.updated = stripeSub("sub_soft", "active", monthlyPrice, periodEnd, true)

	got, err := f.svc.Cancel(context.Background(), m.ID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enums.SubscriptionStatusEnding {
		t.Fatalf("expected ending, got %s", got.Status)
	}
	if !got.CancelAtPeriodEnd {
		t.Fatalf("cancel_at_period_end not mirrored")
	}
	if f.stripeC.lastUpdate == nil || f.stripeC.lastUpdate.CancelAtPeriodEnd == nil || !*f.stripeC.lastUpdate.CancelAtPeriodEnd {
		t.Fatalf("gateway not asked to cancel at period end")
	}
	if customer.MembershipStatus != enums.MembershipStatusEnding {
		t.Fatalf("customer status should be ending, got %s", customer.MembershipStatus)
	}
}

func TestCancelImmediateTerminates(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_now",
		PlanType:             enums.PlanTypeMonthly,
		Status:               enums.SubscriptionStatusActive,
		CurrentPeriodEnd:     time.Now().Add(10 * 24 * time.Hour),
	}
	f.repo.byID[m.ID] = m
	canceled := stripeSub("sub_now", "canceled", monthlyPrice, m.CurrentPeriodEnd, false)
	canceled.CanceledAt = time.Now().Unix()
	f.stripeC.canceled = canceled

	got, err := f.svc.Cancel(context.Background(), m.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enums.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if customer.MembershipStatus != enums.MembershipStatusCancelled {
		t.Fatalf("customer status should be cancelled, got %s", customer.MembershipStatus)
	}
	if customer.ActiveMembershipID != nil {
		t.Fatalf("active membership pointer should clear")
	}
}

func TestCancelTerminatedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_done",
		Status:               enums.SubscriptionStatusCanceled,
	}
	f.repo.byID[m.ID] = m

	got, err := f.svc.Cancel(context.Background(), m.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("should return current state")
	}
	if f.stripeC.cancelCalls != 0 || f.stripeC.updateCalls != 0 {
		t.Fatalf("no gateway call expected for terminated membership")
	}
}

func TestReactivateRequiresScheduledCancel(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_r",
		Status:               enums.SubscriptionStatusActive,
		CurrentPeriodEnd:     time.Now().Add(5 * 24 * time.Hour),
	}
	f.repo.byID[m.ID] = m

	_, err := f.svc.Reactivate(context.Background(), m.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestReactivateClearsScheduledCancel(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	periodEnd := time.Now().Add(5 * 24 * time.Hour)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_r2",
		PlanType:             enums.PlanTypeMonthly,
		Status:               enums.SubscriptionStatusEnding,
		CancelAtPeriodEnd:    true,
		CurrentPeriodEnd:     periodEnd,
	}
	f.repo.byID[m.ID] = m
	f.stripeC.updated = stripeSub("sub_r2", "active", monthlyPrice, periodEnd, false)

	got, err := f.svc.Reactivate(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enums.SubscriptionStatusActive || got.CancelAtPeriodEnd {
		t.Fatalf("reactivation not mirrored: %s cap=%t", got.Status, got.CancelAtPeriodEnd)
	}
	if customer.MembershipStatus != enums.MembershipStatusActive {
		t.Fatalf("customer status should be active")
	}
}

func TestSyncCreatesRowWhenGatewaySawItFirst(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)

	snap := GatewaySnapshot{
		SubscriptionID:    "sub_remote",
		GatewayCustomerID: customer.StripeCustomerID,
		Status:            "active",
		PlanType:          enums.PlanTypeAnnual,
		CurrentPeriodEnd:  time.Now().Add(365 * 24 * time.Hour),
	}

	var m *models.Membership
	err := stubTxRunner{}.WithTx(context.Background(), func(tx *gorm.DB) error {
		var syncErr error
		m, syncErr = f.svc.SyncFromGateway(context.Background(), tx, customer.ID, snap)
		return syncErr
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ConfirmedAt == nil {
		t.Fatalf("gateway sync must confirm the membership")
	}
	if m.PlanType != enums.PlanTypeAnnual {
		t.Fatalf("plan not taken from snapshot")
	}
	if customer.MembershipStatus != enums.MembershipStatusActive {
		t.Fatalf("customer status not recomputed")
	}
}

func TestSyncCollapsesPendingAndConfirms(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)
	m := &models.Membership{
		ID:                   uuid.New(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: "sub_pend",
		PlanType:             enums.PlanTypeMonthly,
		Status:               enums.SubscriptionStatusPending,
		CurrentPeriodEnd:     time.Now().Add(30 * 24 * time.Hour),
	}
	f.repo.byID[m.ID] = m

	snap := GatewaySnapshot{
		SubscriptionID:   "sub_pend",
		Status:           "active",
		CurrentPeriodEnd: m.CurrentPeriodEnd,
	}
	err := stubTxRunner{}.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, syncErr := f.svc.SyncFromGateway(context.Background(), tx, customer.ID, snap)
		return syncErr
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := f.repo.byID[m.ID]
	if stored.Status != enums.SubscriptionStatusActive {
		t.Fatalf("pending not collapsed: %s", stored.Status)
	}
	if stored.ConfirmedAt == nil {
		t.Fatalf("sync must set confirmed_at")
	}
}
