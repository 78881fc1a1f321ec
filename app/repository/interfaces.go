package repository

import (
	"time"

	"github.com/ManuelReschke/HookFox/app/models"
	"gorm.io/gorm"
)

// WebhookSubscriptionRepository defines the interface for subscription-related
// database operations
type WebhookSubscriptionRepository interface {
	Create(sub *models.WebhookSubscription) error
	GetByID(id uint) (*models.WebhookSubscription, error)
	GetByOwner(ownerUserID uint) ([]models.WebhookSubscription, error)
	GetByWorkspace(workspaceID string) ([]models.WebhookSubscription, error)
	GetAll() ([]models.WebhookSubscription, error)
	GetActive() ([]models.WebhookSubscription, error)
	GetActiveForWorkspace(workspaceID string) ([]models.WebhookSubscription, error)
	Update(sub *models.WebhookSubscription) error
	UpdateSecret(id uint, secret string) error
	UpdateStatistics(id uint, delivered bool, responseTimeMS int64) error
	BulkSetActive(ids []uint, active bool) (int64, error)
	Delete(id uint) error
	DeleteWithEvents(id uint) error
	List(offset, limit int) ([]models.WebhookSubscription, error)
	Count() (int64, error)
	CountActive() (int64, error)
}

// WebhookDeliveryEventRepository defines the interface for delivery-event
// database operations. The three Get*Due/GetPending queries back the
// scheduler's pending, retry and scheduled queues.
type WebhookDeliveryEventRepository interface {
	Create(event *models.WebhookDeliveryEvent) error
	CreateBatch(events []*models.WebhookDeliveryEvent) error
	GetByID(id uint) (*models.WebhookDeliveryEvent, error)
	GetByUUID(uuid string) (*models.WebhookDeliveryEvent, error)
	GetBySubscription(subscriptionID uint, status string, limit int) ([]models.WebhookDeliveryEvent, error)
	GetPending(limit int) ([]models.WebhookDeliveryEvent, error)
	GetRetryDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error)
	GetScheduledDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error)
	GetRetryable(subscriptionID uint, limit int) ([]models.WebhookDeliveryEvent, error)
	GetOldestPending() (*models.WebhookDeliveryEvent, error)
	Update(event *models.WebhookDeliveryEvent) error
	CountByStatus() (map[string]int64, error)
	CountByStatusForSubscription(subscriptionID uint) (map[string]int64, error)
	DeleteBySubscription(subscriptionID uint) error
	DeleteOlderThan(cutoff time.Time, statuses []string) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	WebhookSubscription  WebhookSubscriptionRepository
	WebhookDeliveryEvent WebhookDeliveryEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		WebhookSubscription:  NewWebhookSubscriptionRepository(db),
		WebhookDeliveryEvent: NewWebhookDeliveryEventRepository(db),
	}
}
