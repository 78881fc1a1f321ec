package repository

import (
	"time"

	"github.com/ManuelReschke/HookFox/app/models"
	"gorm.io/gorm"
)

// webhookSubscriptionRepository implements the WebhookSubscriptionRepository interface
type webhookSubscriptionRepository struct {
	db *gorm.DB
}

// NewWebhookSubscriptionRepository creates a new subscription repository instance
func NewWebhookSubscriptionRepository(db *gorm.DB) WebhookSubscriptionRepository {
	return &webhookSubscriptionRepository{db: db}
}

// Create creates a new subscription in the database
func (r *webhookSubscriptionRepository) Create(sub *models.WebhookSubscription) error {
	return r.db.Create(sub).Error
}

// GetByID retrieves a subscription by its ID
func (r *webhookSubscriptionRepository) GetByID(id uint) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := r.db.First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByOwner retrieves all subscriptions registered by the given owner
func (r *webhookSubscriptionRepository) GetByOwner(ownerUserID uint) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.Where("owner_user_id = ?", ownerUserID).Order("created_at DESC").Find(&subs).Error
	return subs, err
}

// GetByWorkspace retrieves all subscriptions scoped to the given workspace
func (r *webhookSubscriptionRepository) GetByWorkspace(workspaceID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.Where("workspace_id = ?", workspaceID).Order("created_at DESC").Find(&subs).Error
	return subs, err
}

// GetAll retrieves every subscription, newest first
func (r *webhookSubscriptionRepository) GetAll() ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.Order("created_at DESC").Find(&subs).Error
	return subs, err
}

// GetActive retrieves all active subscriptions
func (r *webhookSubscriptionRepository) GetActive() ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.Where("is_active = ?", true).Find(&subs).Error
	return subs, err
}

// GetActiveForWorkspace retrieves the active subscriptions an event from the
// given workspace could reach: workspace-scoped ones plus global ones.
func (r *webhookSubscriptionRepository) GetActiveForWorkspace(workspaceID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	query := r.db.Where("is_active = ?", true)
	if workspaceID == "" {
		query = query.Where("workspace_id = ''")
	} else {
		query = query.Where("workspace_id = '' OR workspace_id = ?", workspaceID)
	}
	err := query.Find(&subs).Error
	return subs, err
}

// Update updates an existing subscription in the database
func (r *webhookSubscriptionRepository) Update(sub *models.WebhookSubscription) error {
	return r.db.Save(sub).Error
}

// UpdateSecret replaces only the signing secret of a subscription
func (r *webhookSubscriptionRepository) UpdateSecret(id uint, secret string) error {
	result := r.db.Model(&models.WebhookSubscription{}).Where("id = ?", id).
		Update("secret", secret)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateStatistics folds one delivery attempt into the subscription's rolling
// statistics in a single statement. The average is recomputed against the old
// attempt count before total_sent moves, so concurrent schedulers cannot
// skew it with a read-modify-write race.
func (r *webhookSubscriptionRepository) UpdateStatistics(id uint, delivered bool, responseTimeMS int64) error {
	deliveredInc := 0
	failedInc := 0
	status := models.WebhookEventStatusFailed
	if delivered {
		deliveredInc = 1
		status = models.WebhookEventStatusDelivered
	} else {
		failedInc = 1
	}
	now := time.Now()
	return r.db.Exec(`UPDATE webhook_subscriptions SET
		avg_response_time_ms = (avg_response_time_ms * total_sent + ?) / (total_sent + 1),
		total_sent = total_sent + 1,
		total_delivered = total_delivered + ?,
		total_failed = total_failed + ?,
		last_delivery_at = ?,
		last_delivery_status = ?,
		updated_at = ?
		WHERE id = ?`,
		responseTimeMS, deliveredInc, failedInc, now, status, now, id).Error
}

// BulkSetActive enables or disables the given subscriptions and returns how
// many of them exist. Matched rows are counted explicitly: MySQL reports only
// changed rows, and setting an already-set flag must still count as a success.
func (r *webhookSubscriptionRepository) BulkSetActive(ids []uint, active bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var matched int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.WebhookSubscription{}).Where("id IN ?", ids).Count(&matched).Error; err != nil {
			return err
		}
		return tx.Model(&models.WebhookSubscription{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()}).Error
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

// Delete removes a subscription by its ID
func (r *webhookSubscriptionRepository) Delete(id uint) error {
	return r.db.Delete(&models.WebhookSubscription{}, id).Error
}

// DeleteWithEvents removes a subscription together with all of its delivery
// events in one transaction
func (r *webhookSubscriptionRepository) DeleteWithEvents(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", id).Delete(&models.WebhookDeliveryEvent{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.WebhookSubscription{}, id).Error
	})
}

// List retrieves a paginated list of subscriptions
func (r *webhookSubscriptionRepository) List(offset, limit int) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&subs).Error
	return subs, err
}

// Count returns the total number of subscriptions
func (r *webhookSubscriptionRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookSubscription{}).Count(&count).Error
	return count, err
}

// CountActive returns the number of active subscriptions
func (r *webhookSubscriptionRepository) CountActive() (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookSubscription{}).Where("is_active = ?", true).Count(&count).Error
	return count, err
}
