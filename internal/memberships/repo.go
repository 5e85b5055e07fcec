package memberships

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/memberhubhq/memberhub-backend/pkg/db/models"
	"github.com/memberhubhq/memberhub-backend/pkg/enums"
)

// Repository handles membership persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, membership *models.Membership) error
	Update(ctx context.Context, membership *models.Membership) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Membership, error)
	FindByStripeIDForUpdate(ctx context.Context, stripeSubscriptionID string) (*models.Membership, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error)
	ListExpiringWithin(ctx context.Context, horizon time.Duration, limit int) ([]models.Membership, error)
	ListForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Membership, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a membership repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, membership *models.Membership) error {
	return r.db.WithContext(ctx).Create(membership).Error
}

func (r *repository) Update(ctx context.Context, membership *models.Membership) error {
	return r.db.WithContext(ctx).Save(membership).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	var membership models.Membership
	if err := r.db.WithContext(ctx).First(&membership, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &membership, nil
}

func (r *repository) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Membership, error) {
	return r.findByStripeID(ctx, stripeSubscriptionID, false)
}

// FindByStripeIDForUpdate takes a row lock so concurrent syncs of the same
// membership serialize. Only meaningful inside a transaction.
func (r *repository) FindByStripeIDForUpdate(ctx context.Context, stripeSubscriptionID string) (*models.Membership, error) {
	return r.findByStripeID(ctx, stripeSubscriptionID, true)
}

func (r *repository) findByStripeID(ctx context.Context, stripeSubscriptionID string, lock bool) (*models.Membership, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	query := r.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var membership models.Membership
	if err := query.
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&membership).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &membership, nil
}

func (r *repository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Membership, error) {
	var rows []models.Membership
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListExpiringWithin finds live memberships flagged to lapse whose period ends
// inside the horizon. Feeds the expiry warning sweep.
func (r *repository) ListExpiringWithin(ctx context.Context, horizon time.Duration, limit int) ([]models.Membership, error) {
	if limit <= 0 {
		limit = 250
	}
	now := time.Now().UTC()
	statuses := []enums.SubscriptionStatus{
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusEnding,
	}
	var rows []models.Membership
	if err := r.db.WithContext(ctx).
		Where("status IN (?)", statuses).
		Where("cancel_at_period_end").
		Where("current_period_end > ?", now).
		Where("current_period_end <= ?", now.Add(horizon)).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Membership, error) {
	if limit <= 0 {
		limit = 250
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-lookback)
	statuses := []enums.SubscriptionStatus{
		enums.SubscriptionStatusPending,
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusEnding,
		enums.SubscriptionStatusPastDue,
	}
	var rows []models.Membership
	if err := r.db.WithContext(ctx).
		Where("stripe_subscription_id <> ''").
		Where("(status IN (?) OR cancel_at_period_end OR current_period_end >= ?)", statuses, cutoff).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
