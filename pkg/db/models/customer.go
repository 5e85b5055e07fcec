package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// Customer pairs a local identity with its gateway-side customer object.
// Customers are deactivated, never deleted.
type Customer struct {
	ID                 uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeCustomerID   string                 `gorm:"column:stripe_customer_id;not null;uniqueIndex"`
	Name               string                 `gorm:"column:name;not null"`
	Email              string                 `gorm:"type:text;not null;uniqueIndex"`
	Phone              string                 `gorm:"column:phone;not null"`
	MembershipStatus   enums.MembershipStatus `gorm:"column:membership_status;type:membership_status;not null;default:'none'"`
	ActiveMembershipID *uuid.UUID             `gorm:"column:active_membership_id;type:uuid"`
	IsActive           bool                   `gorm:"column:is_active;not null;default:true"`
	CreatedAt          time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
