package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// Notification is the audit trail for one outbound message. Rows are written
// after the provider accepts the send, so the table reflects what customers
// actually received.
type Notification struct {
	ID           uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID   uuid.UUID              `gorm:"column:customer_id;type:uuid;not null;index"`
	MembershipID *uuid.UUID             `gorm:"column:membership_id;type:uuid"`
	PaymentID    *uuid.UUID             `gorm:"column:payment_id;type:uuid"`
	Kind         enums.NotificationKind `gorm:"column:kind;type:notification_kind;not null"`
	Body         string                 `gorm:"column:body;not null"`
	Phone        string                 `gorm:"column:phone;not null"`
	ProviderRef  *string                `gorm:"column:provider_ref"`
	SentAt       time.Time              `gorm:"column:sent_at;autoCreateTime"`
}
