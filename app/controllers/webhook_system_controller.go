package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/database"
	"github.com/ManuelReschke/HookFox/internal/pkg/scheduler"
)

// HandleGetSystemStats returns the engine-wide statistics snapshot.
func (wc *WebhookController) HandleGetSystemStats(c *fiber.Ctx) error {
	stats, err := wc.manager.GetSystemStats()
	if err != nil {
		return respondWebhookError(c, err)
	}
	return c.JSON(stats)
}

// HandleGetSystemHealth runs the health checks of every delivery job. An
// unhealthy engine answers 503 so load balancers and probes can react.
func (wc *WebhookController) HandleGetSystemHealth(c *fiber.Ctx) error {
	reports := wc.jobs.HealthCheck()
	healthy := true
	for _, report := range reports {
		if !report.Healthy {
			healthy = false
			break
		}
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"healthy": healthy, "jobs": reports})
}

// HandleGetJobStatuses lists the registered delivery jobs and their state.
func (wc *WebhookController) HandleGetJobStatuses(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"jobs": wc.jobs.GetJobStatuses()})
}

// HandleStartJob starts one delivery job by name.
func (wc *WebhookController) HandleStartJob(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := wc.jobs.StartJob(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"started": name})
}

// HandleStopJob stops one delivery job by name and waits for its in-flight
// run to finish.
func (wc *WebhookController) HandleStopJob(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := wc.jobs.StopJob(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"stopped": name})
}

// HandleRunJob triggers a delivery run right now instead of waiting for the
// next tick. A run already in flight answers 409.
func (wc *WebhookController) HandleRunJob(c *fiber.Ctx) error {
	name := c.Params("name")
	job, ok := wc.jobs.Get(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "unknown job: " + name})
	}

	// Detached from the request so a dropped client cannot abort the run.
	stats, err := job.ProcessDeliveries(context.Background())
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "run_in_progress", "message": "A delivery run is already in flight"})
		}
		return respondWebhookError(c, err)
	}
	return c.JSON(stats)
}

// HandleHealthz answers the liveness probe: process up, database reachable,
// cache reachable.
func HandleHealthz(c *fiber.Ctx) error {
	checks := fiber.Map{"database": "ok", "cache": "ok"}
	healthy := true

	db := database.GetDB()
	if db == nil {
		checks["database"] = "not initialized"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
		checks["database"] = "unreachable"
		healthy = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !cache.IsInitialized() {
		checks["cache"] = "not initialized"
		healthy = false
	} else if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		checks["cache"] = "unreachable"
		healthy = false
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"healthy": healthy, "checks": checks})
}
