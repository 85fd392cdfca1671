package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const healthProbeTimeout = 2 * time.Second

// HealthProbe checks one optional backing dependency.
type HealthProbe func(ctx context.Context) error

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	GradingAPI  string            `json:"grading_api"`
	Checks      map[string]string `json:"checks"`
}

// HealthCheck reports service information and the state of configured dependencies. A failing
// probe degrades the status without failing the request.
func HealthCheck(cfg config.Config, probes map[string]HealthProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			GradingAPI:  cfg.APIBaseURL,
			Checks:      make(map[string]string, len(probes)),
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), healthProbeTimeout)
		defer cancel()

		for name, probe := range probes {
			if probe == nil {
				continue
			}
			if err := probe(ctx); err != nil {
				payload.Checks[name] = err.Error()
				payload.Status = "degraded"
				continue
			}
			payload.Checks[name] = "ok"
		}

		message := "service healthy"
		if payload.Status != "ok" {
			message = "service degraded"
		}
		return utils.SendSuccess(c, message, payload)
	}
}
