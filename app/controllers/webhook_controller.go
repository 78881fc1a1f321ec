package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/internal/pkg/scheduler"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// WebhookController handles the webhook HTTP surface with injected engine
// dependencies.
type WebhookController struct {
	manager *webhook.SubscriptionManager
	jobs    *scheduler.JobManager
}

// NewWebhookController creates a webhook controller.
func NewWebhookController(manager *webhook.SubscriptionManager, jobs *scheduler.JobManager) *WebhookController {
	return &WebhookController{
		manager: manager,
		jobs:    jobs,
	}
}

// Global webhook controller instance, wired once at boot before the router
// is installed.
var webhookController *WebhookController

// InitializeWebhookController sets the global webhook controller.
func InitializeWebhookController(manager *webhook.SubscriptionManager, jobs *scheduler.JobManager) {
	webhookController = NewWebhookController(manager, jobs)
}

// GetWebhookController returns the global webhook controller instance.
func GetWebhookController() *WebhookController {
	return webhookController
}

// respondWebhookError maps engine errors onto the API error contract.
func respondWebhookError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Subscription not found"})
	case errors.Is(err, webhook.ErrEventNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Delivery event not found"})
	case errors.Is(err, webhook.ErrInvalidURL):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url", "message": err.Error()})
	case errors.Is(err, webhook.ErrNoEventTypes):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no_event_types", "message": "At least one event type is required"})
	case errors.Is(err, webhook.ErrUnknownAlgorithm):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_algorithm", "message": err.Error()})
	default:
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": validationErrs.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}

// Adapter functions to maintain compatibility with the router

// HandleWebhookCreate - Adapter for subscription creation
func HandleWebhookCreate(c *fiber.Ctx) error {
	return GetWebhookController().HandleCreateSubscription(c)
}

// HandleWebhookList - Adapter for subscription listing
func HandleWebhookList(c *fiber.Ctx) error {
	return GetWebhookController().HandleListSubscriptions(c)
}

// HandleWebhookGet - Adapter for fetching one subscription
func HandleWebhookGet(c *fiber.Ctx) error {
	return GetWebhookController().HandleGetSubscription(c)
}

// HandleWebhookUpdate - Adapter for subscription updates
func HandleWebhookUpdate(c *fiber.Ctx) error {
	return GetWebhookController().HandleUpdateSubscription(c)
}

// HandleWebhookDelete - Adapter for subscription deletion
func HandleWebhookDelete(c *fiber.Ctx) error {
	return GetWebhookController().HandleDeleteSubscription(c)
}

// HandleWebhookRotateSecret - Adapter for secret rotation
func HandleWebhookRotateSecret(c *fiber.Ctx) error {
	return GetWebhookController().HandleRotateSecret(c)
}

// HandleWebhookTest - Adapter for test deliveries
func HandleWebhookTest(c *fiber.Ctx) error {
	return GetWebhookController().HandleTestSubscription(c)
}

// HandleWebhookValidateURL - Adapter for URL validation
func HandleWebhookValidateURL(c *fiber.Ctx) error {
	return GetWebhookController().HandleValidateURL(c)
}

// HandleWebhookBulkEnable - Adapter for bulk enable
func HandleWebhookBulkEnable(c *fiber.Ctx) error {
	return GetWebhookController().HandleBulkEnable(c)
}

// HandleWebhookBulkDisable - Adapter for bulk disable
func HandleWebhookBulkDisable(c *fiber.Ctx) error {
	return GetWebhookController().HandleBulkDisable(c)
}

// HandleWebhookBulkDelete - Adapter for bulk delete
func HandleWebhookBulkDelete(c *fiber.Ctx) error {
	return GetWebhookController().HandleBulkDelete(c)
}

// HandleWebhookStats - Adapter for per-subscription statistics
func HandleWebhookStats(c *fiber.Ctx) error {
	return GetWebhookController().HandleSubscriptionStats(c)
}

// HandleWebhookEvents - Adapter for a subscription's delivery history
func HandleWebhookEvents(c *fiber.Ctx) error {
	return GetWebhookController().HandleSubscriptionEvents(c)
}

// HandleWebhookRetryFailed - Adapter for bulk retry of failed deliveries
func HandleWebhookRetryFailed(c *fiber.Ctx) error {
	return GetWebhookController().HandleRetryFailedEvents(c)
}

// HandleEventPublish - Adapter for domain event publication
func HandleEventPublish(c *fiber.Ctx) error {
	return GetWebhookController().HandlePublishEvent(c)
}

// HandleDeliveryEventGet - Adapter for a single delivery event
func HandleDeliveryEventGet(c *fiber.Ctx) error {
	return GetWebhookController().HandleGetDeliveryEvent(c)
}

// HandleDeliveryEventRetry - Adapter for retrying one delivery event
func HandleDeliveryEventRetry(c *fiber.Ctx) error {
	return GetWebhookController().HandleRetryDeliveryEvent(c)
}

// HandleDeliveryEventCancel - Adapter for cancelling one delivery event
func HandleDeliveryEventCancel(c *fiber.Ctx) error {
	return GetWebhookController().HandleCancelDeliveryEvent(c)
}

// HandleSystemStats - Adapter for engine-wide statistics
func HandleSystemStats(c *fiber.Ctx) error {
	return GetWebhookController().HandleGetSystemStats(c)
}

// HandleSystemHealth - Adapter for the engine health report
func HandleSystemHealth(c *fiber.Ctx) error {
	return GetWebhookController().HandleGetSystemHealth(c)
}

// HandleJobList - Adapter for job statuses
func HandleJobList(c *fiber.Ctx) error {
	return GetWebhookController().HandleGetJobStatuses(c)
}

// HandleJobStart - Adapter for starting a job
func HandleJobStart(c *fiber.Ctx) error {
	return GetWebhookController().HandleStartJob(c)
}

// HandleJobStop - Adapter for stopping a job
func HandleJobStop(c *fiber.Ctx) error {
	return GetWebhookController().HandleStopJob(c)
}

// HandleJobRun - Adapter for triggering a delivery run
func HandleJobRun(c *fiber.Ctx) error {
	return GetWebhookController().HandleRunJob(c)
}
