package router

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Router installs one route group on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route group. The metrics handler is mounted
// as-is so the caller controls which registry is exposed.
func InstallRouter(app *fiber.App, metricsHandler http.Handler) {
	setup(app, NewApiRouter(metricsHandler))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
