package router

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/HookFox/app/controllers"
)

type ApiRouter struct {
	metricsHandler http.Handler
}

func NewApiRouter(metricsHandler http.Handler) *ApiRouter {
	return &ApiRouter{metricsHandler: metricsHandler}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealthz)
	if h.metricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metricsHandler))
	}

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes. Static webhook paths come first: fiber matches in
	// registration order and "/webhooks/:id" would swallow "system", "jobs"
	// and "bulk" otherwise.
	v1 := api.Group("/v1")

	v1.Get("/webhooks/system/stats", controllers.HandleSystemStats)
	v1.Get("/webhooks/system/health", controllers.HandleSystemHealth)
	v1.Get("/webhooks/jobs", controllers.HandleJobList)
	v1.Post("/webhooks/jobs/:name/start", controllers.HandleJobStart)
	v1.Post("/webhooks/jobs/:name/stop", controllers.HandleJobStop)
	v1.Post("/webhooks/jobs/:name/run", controllers.HandleJobRun)
	v1.Post("/webhooks/validate-url", controllers.HandleWebhookValidateURL)
	v1.Post("/webhooks/bulk/enable", controllers.HandleWebhookBulkEnable)
	v1.Post("/webhooks/bulk/disable", controllers.HandleWebhookBulkDisable)
	v1.Post("/webhooks/bulk/delete", controllers.HandleWebhookBulkDelete)

	v1.Post("/webhooks", controllers.HandleWebhookCreate)
	v1.Get("/webhooks", controllers.HandleWebhookList)
	v1.Get("/webhooks/:id", controllers.HandleWebhookGet)
	v1.Patch("/webhooks/:id", controllers.HandleWebhookUpdate)
	v1.Delete("/webhooks/:id", controllers.HandleWebhookDelete)
	v1.Post("/webhooks/:id/rotate-secret", controllers.HandleWebhookRotateSecret)
	v1.Post("/webhooks/:id/test", controllers.HandleWebhookTest)
	v1.Get("/webhooks/:id/stats", controllers.HandleWebhookStats)
	v1.Get("/webhooks/:id/events", controllers.HandleWebhookEvents)
	v1.Post("/webhooks/:id/retry-failed", controllers.HandleWebhookRetryFailed)

	v1.Post("/events", controllers.HandleEventPublish)
	v1.Get("/webhook-events/:uuid", controllers.HandleDeliveryEventGet)
	v1.Post("/webhook-events/:uuid/retry", controllers.HandleDeliveryEventRetry)
	v1.Post("/webhook-events/:uuid/cancel", controllers.HandleDeliveryEventCancel)
}
