package controllers

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/app/models"
)

type publishEventRequest struct {
	Type        string         `json:"type" validate:"required,min=1,max=100"`
	WorkspaceID string         `json:"workspace_id" validate:"max=64"`
	UserID      string         `json:"user_id"`
	ProjectID   string         `json:"project_id"`
	TaskID      string         `json:"task_id"`
	Priority    string         `json:"priority"`
	Tags        []string       `json:"tags"`
	OccurredAt  *time.Time     `json:"occurred_at"`
	Data        map[string]any `json:"data"`
	// DeliverAt defers the fan-out's deliveries to a future instant.
	DeliverAt *time.Time `json:"deliver_at"`
}

func (r *publishEventRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// HandlePublishEvent takes a domain event and fans it out to every matching
// subscription. With deliver_at set the created deliveries wait until that
// instant instead of going out on the next run.
func (wc *WebhookController) HandlePublishEvent(c *fiber.Ctx) error {
	var req publishEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return respondWebhookError(c, err)
	}

	event := models.Event{
		Type:        req.Type,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		TaskID:      req.TaskID,
		Priority:    req.Priority,
		Tags:        req.Tags,
		Data:        req.Data,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	} else {
		event.OccurredAt = time.Now()
	}

	var (
		enqueued int
		err      error
	)
	if req.DeliverAt != nil {
		enqueued, err = wc.manager.ScheduleEvent(event, *req.DeliverAt)
	} else {
		enqueued, err = wc.manager.DispatchEvent(event)
	}
	if err != nil {
		return respondWebhookError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"event_type": event.Type, "enqueued": enqueued})
}

// HandleSubscriptionEvents returns a subscription's delivery history, newest
// first, optionally narrowed to one status.
func (wc *WebhookController) HandleSubscriptionEvents(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}

	status := c.Query("status")
	switch status {
	case "", models.WebhookEventStatusPending, models.WebhookEventStatusDelivered,
		models.WebhookEventStatusFailed, models.WebhookEventStatusCancelled:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "unknown status filter"})
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	events, err := wc.manager.GetSubscriptionEvents(id, status, limit)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// HandleRetryFailedEvents queues a subscription's failed deliveries that still
// have attempt budget for another try.
func (wc *WebhookController) HandleRetryFailedEvents(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}
	if _, err := wc.manager.GetSubscription(id); err != nil {
		return respondWebhookError(c, err)
	}

	maxEvents := c.QueryInt("max", 100)
	if maxEvents < 1 || maxEvents > 1000 {
		maxEvents = 100
	}

	job, ok := wc.jobs.Default()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Delivery job not registered"})
	}
	return c.JSON(fiber.Map{"retried": job.RetryFailedEvents(id, maxEvents)})
}

// HandleGetDeliveryEvent returns one delivery event by its UUID.
func (wc *WebhookController) HandleGetDeliveryEvent(c *fiber.Ctx) error {
	uuid := c.Params("uuid")
	if uuid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "uuid missing"})
	}
	event, err := wc.manager.GetDeliveryEvent(uuid)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(event)
}

// HandleRetryDeliveryEvent puts one failed delivery event back in the queue.
func (wc *WebhookController) HandleRetryDeliveryEvent(c *fiber.Ctx) error {
	uuid := c.Params("uuid")
	if uuid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "uuid missing"})
	}
	job, ok := wc.jobs.Default()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Delivery job not registered"})
	}
	if !job.RetryFailedEvent(uuid) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_retryable", "message": "Event is unknown, not failed, or out of attempts"})
	}
	return c.JSON(fiber.Map{"queued": true})
}

// HandleCancelDeliveryEvent withdraws one pending delivery event.
func (wc *WebhookController) HandleCancelDeliveryEvent(c *fiber.Ctx) error {
	uuid := c.Params("uuid")
	if uuid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "uuid missing"})
	}
	job, ok := wc.jobs.Default()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Delivery job not registered"})
	}
	if !job.CancelPendingEvent(uuid) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_cancellable", "message": "Event is unknown or not pending"})
	}
	return c.JSON(fiber.Map{"cancelled": true})
}
