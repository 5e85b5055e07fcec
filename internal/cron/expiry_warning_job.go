package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/memberhubhq/memberhub-backend/internal/customers"
	"github.com/memberhubhq/memberhub-backend/internal/memberships"
	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
	"github.com/memberhubhq/memberhub-backend/pkg/logger"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox"
	"github.com/memberhubhq/memberhub-backend/pkg/outbox/payloads"
)

const (
	defaultExpiryHorizon = 72 * time.Hour
	defaultExpiryLimit   = 250
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type warningEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ExpiryWarningJobParams configures the expiry warning sweep.
type ExpiryWarningJobParams struct {
	Logger         *logger.Logger
	DB             txRunner
	MembershipRepo memberships.Repository
	CustomerRepo   customers.Repository
	Outbox         warningEmitter
	Horizon        time.Duration
	Limit          int
}

// NewExpiryWarningJob builds the sweep that warns customers whose membership
// is about to lapse. The dedup key pins one warning per membership per
// billing period, so repeated sweeps are harmless.
func NewExpiryWarningJob(params ExpiryWarningJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.MembershipRepo == nil {
		return nil, fmt.Errorf("membership repository required")
	}
	if params.CustomerRepo == nil {
		return nil, fmt.Errorf("customer repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	horizon := params.Horizon
	if horizon <= 0 {
		horizon = defaultExpiryHorizon
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultExpiryLimit
	}
	return &expiryWarningJob{
		logg:           params.Logger,
		db:             params.DB,
		membershipRepo: params.MembershipRepo,
		customerRepo:   params.CustomerRepo,
		outbox:         params.Outbox,
		horizon:        horizon,
		limit:          limit,
	}, nil
}

type expiryWarningJob struct {
	logg           *logger.Logger
	db             txRunner
	membershipRepo memberships.Repository
	customerRepo   customers.Repository
	outbox         warningEmitter
	horizon        time.Duration
	limit          int
}

func (j *expiryWarningJob) Name() string { return "expiry-warning" }

func (j *expiryWarningJob) Run(ctx context.Context) error {
	expiring, err := j.membershipRepo.ListExpiringWithin(ctx, j.horizon, j.limit)
	if err != nil {
		return fmt.Errorf("list expiring memberships: %w", err)
	}
	var errs error
	warned := 0
	for i := range expiring {
		if err := j.warn(ctx, &expiring[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		warned++
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(expiring),
		"queued":     warned,
	})
	j.logg.Info(reportCtx, "expiry warning sweep complete")
	return errs
}

func (j *expiryWarningJob) warn(ctx context.Context, membership *models.Membership) error {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"membership_id": membership.ID.String(),
		"period_end":    membership.CurrentPeriodEnd,
	})
	customer, err := j.customerRepo.FindByID(logCtx, membership.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer for membership %s: %w", membership.ID, err)
	}
	if customer == nil {
		j.logg.Warn(logCtx, "membership without customer; skipping")
		return nil
	}
	if !customer.IsActive {
		j.logg.Info(logCtx, "customer deactivated; skipping warning")
		return nil
	}

	periodEnd := membership.CurrentPeriodEnd
	event := outbox.DomainEvent{
		EventType:     enums.EventNotificationRequested,
		AggregateType: enums.AggregateMembership,
		AggregateID:   membership.ID,
		DedupKey:      fmt.Sprintf("expiry_warning:%s:%d", membership.ID, periodEnd.Unix()),
		Version:       1,
		Data: payloads.NotificationRequestedEvent{
			CustomerID:   customer.ID,
			MembershipID: &membership.ID,
			Kind:         enums.NotificationKindExpiryWarning,
			Phone:        customer.Phone,
			CustomerName: customer.Name,
			PeriodEnd:    &periodEnd,
		},
	}
	if err := j.db.WithTx(logCtx, func(tx *gorm.DB) error {
		return j.outbox.EmitIfNotExists(logCtx, tx, event)
	}); err != nil {
		return fmt.Errorf("queue expiry warning for membership %s: %w", membership.ID, err)
	}
	return nil
}
