package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// Payment is an immutable record of one gateway payment attempt. Duplicate
// suppression happens at the webhook dispatcher, not here.
type Payment struct {
	ID              uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID      uuid.UUID           `gorm:"column:customer_id;type:uuid;not null;index"`
	MembershipID    *uuid.UUID          `gorm:"column:membership_id;type:uuid"`
	AmountCents     int64               `gorm:"column:amount_cents;not null"`
	Currency        string              `gorm:"column:currency;not null;default:'usd'"`
	Status          enums.PaymentStatus `gorm:"column:status;type:payment_status;not null"`
	StripeInvoiceID string              `gorm:"column:stripe_invoice_id;not null;index"`
	Description     *string             `gorm:"column:description"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
}
