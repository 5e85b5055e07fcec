package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// Membership mirrors a gateway subscription for one customer. Cancellation is
// a status transition; rows are never deleted. ConfirmedAt stays nil until the
// first webhook-driven sync supersedes the optimistic local write.
type Membership struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID           uuid.UUID                `gorm:"column:customer_id;type:uuid;not null;index"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;not null;unique"`
	PlanType             enums.PlanType           `gorm:"column:plan_type;type:plan_type;not null"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'pending'"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     time.Time                `gorm:"column:current_period_end;not null"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	ConfirmedAt          *time.Time               `gorm:"column:confirmed_at"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
