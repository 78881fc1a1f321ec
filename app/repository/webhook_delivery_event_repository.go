package repository

import (
	"time"

	"github.com/ManuelReschke/HookFox/app/models"
	"gorm.io/gorm"
)

// webhookDeliveryEventRepository implements the WebhookDeliveryEventRepository interface
type webhookDeliveryEventRepository struct {
	db *gorm.DB
}

// NewWebhookDeliveryEventRepository creates a new delivery event repository instance
func NewWebhookDeliveryEventRepository(db *gorm.DB) WebhookDeliveryEventRepository {
	return &webhookDeliveryEventRepository{db: db}
}

// Create creates a new delivery event in the database
func (r *webhookDeliveryEventRepository) Create(event *models.WebhookDeliveryEvent) error {
	return r.db.Create(event).Error
}

// CreateBatch inserts a fan-out batch of delivery events
func (r *webhookDeliveryEventRepository) CreateBatch(events []*models.WebhookDeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.Create(&events).Error
}

// GetByID retrieves a delivery event by its ID
func (r *webhookDeliveryEventRepository) GetByID(id uint) (*models.WebhookDeliveryEvent, error) {
	var event models.WebhookDeliveryEvent
	err := r.db.First(&event, id).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetByUUID retrieves a delivery event by its public id
func (r *webhookDeliveryEventRepository) GetByUUID(uuid string) (*models.WebhookDeliveryEvent, error) {
	var event models.WebhookDeliveryEvent
	err := r.db.Where("uuid = ?", uuid).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetBySubscription retrieves delivery events of a subscription, newest first,
// optionally narrowed to one status
func (r *webhookDeliveryEventRepository) GetBySubscription(subscriptionID uint, status string, limit int) ([]models.WebhookDeliveryEvent, error) {
	var events []models.WebhookDeliveryEvent
	query := r.db.Where("subscription_id = ?", subscriptionID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Order("created_at DESC").Find(&events).Error
	return events, err
}

// GetPending returns never-attempted events that are due now, oldest first.
// Events with a ScheduledAt belong to the scheduled queue instead.
func (r *webhookDeliveryEventRepository) GetPending(limit int) ([]models.WebhookDeliveryEvent, error) {
	var events []models.WebhookDeliveryEvent
	err := r.db.Where("status = ? AND attempts = 0 AND scheduled_at IS NULL", models.WebhookEventStatusPending).
		Order("created_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

// GetRetryDue returns pending events whose retry time has elapsed
func (r *webhookDeliveryEventRepository) GetRetryDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error) {
	var events []models.WebhookDeliveryEvent
	err := r.db.Where("status = ? AND attempts > 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
		models.WebhookEventStatusPending, now).
		Order("next_retry_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

// GetScheduledDue returns deferred first attempts whose time has come
func (r *webhookDeliveryEventRepository) GetScheduledDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error) {
	var events []models.WebhookDeliveryEvent
	err := r.db.Where("status = ? AND attempts = 0 AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
		models.WebhookEventStatusPending, now).
		Order("scheduled_at ASC").Limit(limit).Find(&events).Error
	return events, err
}

// GetRetryable returns failed events of a subscription that still have attempt
// budget left, oldest first
func (r *webhookDeliveryEventRepository) GetRetryable(subscriptionID uint, limit int) ([]models.WebhookDeliveryEvent, error) {
	var events []models.WebhookDeliveryEvent
	query := r.db.Where("subscription_id = ? AND status = ? AND attempts < max_attempts",
		subscriptionID, models.WebhookEventStatusFailed).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	return events, err
}

// GetOldestPending returns the oldest event still waiting for delivery, or
// nil when nothing is pending
func (r *webhookDeliveryEventRepository) GetOldestPending() (*models.WebhookDeliveryEvent, error) {
	var event models.WebhookDeliveryEvent
	err := r.db.Where("status = ?", models.WebhookEventStatusPending).
		Order("created_at ASC").First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// Update updates an existing delivery event in the database
func (r *webhookDeliveryEventRepository) Update(event *models.WebhookDeliveryEvent) error {
	return r.db.Save(event).Error
}

// CountByStatus returns event counts grouped by status across all subscriptions
func (r *webhookDeliveryEventRepository) CountByStatus() (map[string]int64, error) {
	return r.countByStatus(r.db.Model(&models.WebhookDeliveryEvent{}))
}

// CountByStatusForSubscription returns event counts grouped by status for one subscription
func (r *webhookDeliveryEventRepository) CountByStatusForSubscription(subscriptionID uint) (map[string]int64, error) {
	return r.countByStatus(r.db.Model(&models.WebhookDeliveryEvent{}).Where("subscription_id = ?", subscriptionID))
}

func (r *webhookDeliveryEventRepository) countByStatus(query *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := query.Select("status, COUNT(*) as total").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// DeleteBySubscription removes all delivery events of a subscription
func (r *webhookDeliveryEventRepository) DeleteBySubscription(subscriptionID uint) error {
	return r.db.Where("subscription_id = ?", subscriptionID).Delete(&models.WebhookDeliveryEvent{}).Error
}

// DeleteOlderThan removes events in the given terminal statuses created before
// the cutoff and returns how many rows went away
func (r *webhookDeliveryEventRepository) DeleteOlderThan(cutoff time.Time, statuses []string) (int64, error) {
	if len(statuses) == 0 {
		statuses = []string{models.WebhookEventStatusDelivered, models.WebhookEventStatusCancelled, models.WebhookEventStatusFailed}
	}
	result := r.db.Where("created_at < ? AND status IN ?", cutoff, statuses).
		Delete(&models.WebhookDeliveryEvent{})
	return result.RowsAffected, result.Error
}
