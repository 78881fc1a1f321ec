package controllers

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

type createWebhookRequest struct {
	OwnerUserID        uint                 `json:"owner_user_id" validate:"required"`
	WorkspaceID        string               `json:"workspace_id" validate:"max=64"`
	Name               string               `json:"name" validate:"required,min=1,max=255"`
	URL                string               `json:"url" validate:"required,max=2048"`
	Events             []string             `json:"events" validate:"required,min=1,dive,min=1"`
	Headers            map[string]string    `json:"headers"`
	HTTPMethod         string               `json:"http_method" validate:"omitempty,oneof=POST PUT PATCH"`
	ContentType        string               `json:"content_type" validate:"omitempty,oneof=json form"`
	SignatureHeader    string               `json:"signature_header" validate:"max=100"`
	SignatureAlgorithm string               `json:"signature_algorithm" validate:"omitempty,oneof=sha256 sha1 md5"`
	TimeoutMS          int                  `json:"timeout_ms" validate:"omitempty,min=1,max=120000"`
	MaxRetries         *int                 `json:"max_retries" validate:"omitempty,min=0,max=20"`
	RetryDelayMS       int                  `json:"retry_delay_ms" validate:"omitempty,min=1"`
	IsActive           *bool                `json:"is_active"`
	Filters            *models.FilterConfig `json:"filters"`
}

func (r *createWebhookRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

type updateWebhookRequest struct {
	Name               *string              `json:"name" validate:"omitempty,min=1,max=255"`
	URL                *string              `json:"url" validate:"omitempty,max=2048"`
	WorkspaceID        *string              `json:"workspace_id" validate:"omitempty,max=64"`
	IsActive           *bool                `json:"is_active"`
	Events             []string             `json:"events" validate:"omitempty,min=1,dive,min=1"`
	Headers            map[string]string    `json:"headers"`
	Filters            *models.FilterConfig `json:"filters"`
	HTTPMethod         *string              `json:"http_method" validate:"omitempty,oneof=POST PUT PATCH"`
	ContentType        *string              `json:"content_type" validate:"omitempty,oneof=json form"`
	SignatureHeader    *string              `json:"signature_header" validate:"omitempty,min=1,max=100"`
	SignatureAlgorithm *string              `json:"signature_algorithm" validate:"omitempty,oneof=sha256 sha1 md5"`
	TimeoutMS          *int                 `json:"timeout_ms" validate:"omitempty,min=1,max=120000"`
	MaxRetries         *int                 `json:"max_retries" validate:"omitempty,min=0,max=20"`
	RetryDelayMS       *int                 `json:"retry_delay_ms" validate:"omitempty,min=1"`
}

func (r *updateWebhookRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

type bulkWebhookRequest struct {
	IDs []uint `json:"ids" validate:"required,min=1"`
}

func (r *bulkWebhookRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// HandleCreateSubscription registers a new webhook subscription. The response
// is the only place besides rotation where the signing secret is handed out.
func (wc *WebhookController) HandleCreateSubscription(c *fiber.Ctx) error {
	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return respondWebhookError(c, err)
	}

	sub := &models.WebhookSubscription{
		OwnerUserID:        req.OwnerUserID,
		WorkspaceID:        req.WorkspaceID,
		Name:               req.Name,
		URL:                req.URL,
		IsActive:           true,
		Events:             req.Events,
		Headers:            req.Headers,
		HTTPMethod:         req.HTTPMethod,
		ContentType:        req.ContentType,
		SignatureHeader:    req.SignatureHeader,
		SignatureAlgorithm: req.SignatureAlgorithm,
		TimeoutMS:          req.TimeoutMS,
		MaxRetries:         models.WebhookDefaultMaxRetries,
		RetryDelayMS:       req.RetryDelayMS,
	}
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.Filters != nil {
		sub.Filters = *req.Filters
	}

	if err := wc.manager.CreateSubscription(sub); err != nil {
		return respondWebhookError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// HandleListSubscriptions lists subscriptions, optionally narrowed to an owner
// or a workspace.
func (wc *WebhookController) HandleListSubscriptions(c *fiber.Ctx) error {
	if raw := c.Query("owner_user_id"); raw != "" {
		ownerID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "owner_user_id must be numeric"})
		}
		subs, err := wc.manager.GetOwnerSubscriptions(uint(ownerID))
		if err != nil {
			return respondWebhookError(c, err)
		}
		return c.JSON(fiber.Map{"subscriptions": subs, "total": len(subs)})
	}

	if workspaceID := c.Query("workspace_id"); workspaceID != "" {
		subs, err := wc.manager.GetWorkspaceSubscriptions(workspaceID)
		if err != nil {
			return respondWebhookError(c, err)
		}
		return c.JSON(fiber.Map{"subscriptions": subs, "total": len(subs)})
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 50)
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	subs, total, err := wc.manager.ListSubscriptions((page-1)*pageSize, pageSize)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs, "total": total, "page": page, "page_size": pageSize})
}

// HandleGetSubscription returns one subscription.
func (wc *WebhookController) HandleGetSubscription(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}
	sub, err := wc.manager.GetSubscription(id)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(sub)
}

// HandleUpdateSubscription applies a partial update to a subscription.
func (wc *WebhookController) HandleUpdateSubscription(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}

	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return respondWebhookError(c, err)
	}

	sub, err := wc.manager.UpdateSubscription(id, webhook.UpdateSubscriptionInput{
		Name:               req.Name,
		URL:                req.URL,
		WorkspaceID:        req.WorkspaceID,
		IsActive:           req.IsActive,
		Events:             req.Events,
		Headers:            req.Headers,
		Filters:            req.Filters,
		HTTPMethod:         req.HTTPMethod,
		ContentType:        req.ContentType,
		SignatureHeader:    req.SignatureHeader,
		SignatureAlgorithm: req.SignatureAlgorithm,
		TimeoutMS:          req.TimeoutMS,
		MaxRetries:         req.MaxRetries,
		RetryDelayMS:       req.RetryDelayMS,
	})
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(sub)
}

// HandleDeleteSubscription removes a subscription with its endpoint and
// delivery events. Deleting an unknown id is a 404, repeating a delete is not
// an error upstream.
func (wc *WebhookController) HandleDeleteSubscription(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}
	deleted, err := wc.manager.DeleteSubscription(id)
	if err != nil {
		return respondWebhookError(c, err)
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Subscription not found"})
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// HandleRotateSecret replaces the signing secret and returns the new value.
func (wc *WebhookController) HandleRotateSecret(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}
	secret, err := wc.manager.RotateSecret(id)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(fiber.Map{"secret": secret})
}

// HandleTestSubscription fires a synthetic delivery at the subscription's URL
// and reports the outcome. Delivery failures are part of the result, not an
// error status.
func (wc *WebhookController) HandleTestSubscription(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}

	var payload map[string]interface{}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
		}
	}

	result, err := wc.manager.TestSubscription(id, payload)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(result)
}

// HandleValidateURL checks a candidate webhook URL for shape and reachability.
func (wc *WebhookController) HandleValidateURL(c *fiber.Ctx) error {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "url missing"})
	}
	return c.JSON(wc.manager.ValidateWebhookURL(req.URL))
}

// HandleBulkEnable activates a set of subscriptions.
func (wc *WebhookController) HandleBulkEnable(c *fiber.Ctx) error {
	return wc.handleBulk(c, wc.manager.EnableSubscriptions, "enabled")
}

// HandleBulkDisable deactivates a set of subscriptions.
func (wc *WebhookController) HandleBulkDisable(c *fiber.Ctx) error {
	return wc.handleBulk(c, wc.manager.DisableSubscriptions, "disabled")
}

// HandleBulkDelete removes a set of subscriptions.
func (wc *WebhookController) HandleBulkDelete(c *fiber.Ctx) error {
	return wc.handleBulk(c, wc.manager.DeleteSubscriptions, "deleted")
}

func (wc *WebhookController) handleBulk(c *fiber.Ctx, op func([]uint) int, verb string) error {
	var req bulkWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return respondWebhookError(c, err)
	}
	count := op(req.IDs)
	return c.JSON(fiber.Map{verb: count, "requested": len(req.IDs)})
}

// HandleSubscriptionStats returns rolling statistics plus queue counts for one
// subscription.
func (wc *WebhookController) HandleSubscriptionStats(c *fiber.Ctx) error {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive number"})
	}
	stats, err := wc.manager.GetSubscriptionStats(id)
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(stats)
}

// subscriptionIDParam parses the :id path parameter.
func subscriptionIDParam(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
