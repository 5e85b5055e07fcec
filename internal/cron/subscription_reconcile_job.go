package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
)

const (
	defaultReconcileLimit    = 250
	defaultReconcileLookback = 7 * 24 * time.Hour
)

type membershipSyncer interface {
	SyncFromGateway(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, snap memberships.GatewaySnapshot) (*models.Membership, error)
	PlanForPrice(priceID string) (enums.PlanType, bool)
}

// SubscriptionReconcileJobParams configures the gateway reconciliation job.
type SubscriptionReconcileJobParams struct {
	Logger         *logger.Logger
	DB             txRunner
	MembershipRepo memberships.Repository
	Memberships    membershipSyncer
	StripeClient   memberships.StripeSubscriptionClient
	Limit          int
	Lookback       time.Duration
}

// NewSubscriptionReconcileJob builds the safety net that re-pulls gateway
// state for memberships webhooks may have missed.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.MembershipRepo == nil {
		return nil, fmt.Errorf("membership repository required")
	}
	if params.Memberships == nil {
		return nil, fmt.Errorf("membership service required")
	}
	if params.StripeClient == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	return &subscriptionReconcileJob{
		logg:           params.Logger,
		db:             params.DB,
		membershipRepo: params.MembershipRepo,
		memberships:    params.Memberships,
		stripe:         params.StripeClient,
		limit:          limit,
		lookback:       lookback,
	}, nil
}

type subscriptionReconcileJob struct {
	logg           *logger.Logger
	db             txRunner
	membershipRepo memberships.Repository
	memberships    membershipSyncer
	stripe         memberships.StripeSubscriptionClient
	limit          int
	lookback       time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	candidates, err := j.membershipRepo.ListForReconciliation(ctx, j.limit, j.lookback)
	if err != nil {
		return fmt.Errorf("list memberships for reconciliation: %w", err)
	}
	var errs error
	synced := 0
	for i := range candidates {
		if err := j.reconcile(ctx, &candidates[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		synced++
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"synced":     synced,
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcile(ctx context.Context, membership *models.Membership) error {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"membership_id":          membership.ID.String(),
		"stripe_subscription_id": membership.StripeSubscriptionID,
	})
	if strings.TrimSpace(membership.StripeSubscriptionID) == "" {
		j.logg.Info(logCtx, "membership missing gateway id; skipping")
		return nil
	}
	remote, err := j.stripe.Get(logCtx, membership.StripeSubscriptionID, &stripe.SubscriptionParams{})
	if err != nil {
		return fmt.Errorf("fetch stripe subscription %s: %w", membership.StripeSubscriptionID, err)
	}
	if remote == nil {
		j.logg.Info(logCtx, "subscription gone at the gateway; skipping")
		return nil
	}
	snap := memberships.SnapshotFromStripe(remote, j.memberships.PlanForPrice)
	if err := j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		_, syncErr := j.memberships.SyncFromGateway(logCtx, tx, membership.CustomerID, snap)
		return syncErr
	}); err != nil {
		return fmt.Errorf("persist reconciliation for membership %s: %w", membership.ID, err)
	}
	j.logg.Info(logCtx, "membership reconciled")
	return nil
}
