package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// NotificationRequestedEvent tells the notifier to send a text to a customer.
// Phone is snapshotted at emit time so the consumer does not need a DB read.
type NotificationRequestedEvent struct {
	CustomerID   uuid.UUID              `json:"customer_id"`
	MembershipID *uuid.UUID             `json:"membership_id,omitempty"`
	PaymentID    *uuid.UUID             `json:"payment_id,omitempty"`
	Kind         enums.NotificationKind `json:"kind"`
	Phone        string                 `json:"phone"`
	CustomerName string                 `json:"customer_name,omitempty"`
	AmountCents  *int64                 `json:"amount_cents,omitempty"`
	PeriodEnd    *time.Time             `json:"period_end,omitempty"`
}
