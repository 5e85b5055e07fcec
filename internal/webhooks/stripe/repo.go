package stripewebhook

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
)

// Repository is the durable dedup ledger for processed gateway events.
type Repository interface {
	// MarkProcessedTx inserts the event id into the ledger. It reports false
	// when another delivery already claimed the id. The row commits with the
	// event's effects, so a rolled-back handler leaves the event unprocessed.
	MarkProcessedTx(ctx context.Context, tx *gorm.DB, eventID, eventType string) (bool, error)
	FindByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a webhook ledger repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) MarkProcessedTx(ctx context.Context, tx *gorm.DB, eventID, eventType string) (bool, error) {
	db := r.db
	if tx != nil {
		db = tx
	}
	row := models.WebhookEvent{
		StripeEventID: eventID,
		EventType:     eventType,
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) FindByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	if eventID == "" {
		return nil, nil
	}
	var row models.WebhookEvent
	if err := r.db.WithContext(ctx).
		Where("stripe_event_id = ?", eventID).
		First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
