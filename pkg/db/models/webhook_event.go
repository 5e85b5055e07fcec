package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the dedup ledger for inbound gateway events. A row exists
// only once the event's effects have been committed; the unique index makes
// the insert-if-absent check atomic.
type WebhookEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeEventID string    `gorm:"column:stripe_event_id;not null;uniqueIndex"`
	EventType     string    `gorm:"column:event_type;not null"`
	ProcessedAt   time.Time `gorm:"column:processed_at;autoCreateTime"`
}
