package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

const (
	uploadRateLimit = 10
	submitRateLimit = 20
	rateLimitWindow = time.Minute
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	WorkflowHandler *handler.WorkflowHandler
	HealthProbes    map[string]handler.HealthProbe
	// JWTMiddleware overrides the bearer check derived from the console secret.
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = middleware.JWTProtected(cfg.ConsoleJWTSecret)
	}

	if deps.WorkflowHandler != nil {
		if deps.WorkflowHandler.UploadGuard == nil {
			deps.WorkflowHandler.UploadGuard = middleware.RateLimit("upload", uploadRateLimit, rateLimitWindow)
		}
		if deps.WorkflowHandler.SubmitGuard == nil {
			deps.WorkflowHandler.SubmitGuard = middleware.RateLimit("submit", submitRateLimit, rateLimitWindow)
		}
		workflow := api.Group("/workflow", jwtMiddleware)
		deps.WorkflowHandler.Register(workflow)
	}
}
