package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/grachalle-go-api/internal/config"
	"github.com/noah-isme/grachalle-go-api/internal/handler"
	"github.com/noah-isme/grachalle-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ExamHandler *handler.ExamHandler
	Sessions    handler.SessionCounter
	// DisableMetrics skips the /metrics route, mostly for tests.
	DisableMetrics bool
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	if !deps.DisableMetrics {
		app.Get("/metrics", observability.MetricsHandler())
	}

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Sessions))

	if deps.ExamHandler != nil {
		exam := api.Group("/exam")
		deps.ExamHandler.Register(exam)
	}
}
