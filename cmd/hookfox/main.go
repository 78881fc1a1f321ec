package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/HookFox/app/controllers"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/database"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/HookFox/internal/pkg/router"
	"github.com/ManuelReschke/HookFox/internal/pkg/scheduler"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

func main() {
	app, jobs := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	// Graceful stop: finish the in-flight delivery run before the process
	// goes away.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	jobs.StopAllJobs()
	_ = app.Shutdown()
}

func NewApplication() (*fiber.App, *scheduler.JobManager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	subs := repository.GetGlobalFactory().GetWebhookSubscriptionRepository()
	events := repository.GetGlobalFactory().GetWebhookDeliveryEventRepository()

	// Delivery engine: counters in the cache, HTTP provider, manager on top.
	counters := counter.NewDeliveryCounters(cache.GetClient())
	provider := webhook.NewHTTPDeliveryProvider(counters)
	manager := webhook.NewSubscriptionManager(subs, events, provider)

	// The provider endpoint registry is in-memory; rebuild it from the stored
	// subscriptions on every boot.
	if err := manager.SyncProviderEndpoints(); err != nil {
		log.Printf("Warning: endpoint sync failed: %v", err)
	}

	hostname, _ := os.Hostname()
	lease := scheduler.NewEventLease(cache.GetClient(), fmt.Sprintf("%s-%d", hostname, os.Getpid()))

	jobs := scheduler.NewJobManager()
	jobs.Register(scheduler.NewDeliveryScheduler(
		scheduler.DefaultJobName,
		scheduler.ConfigFromEnv(),
		subs,
		events,
		provider,
		lease,
	))
	jobs.StartAll()

	controllers.InitializeWebhookController(manager, jobs)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // event payloads stay small, 10 MiB is generous
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return app, jobs
}
