package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, strconv.ErrRange
	}
	return parsed, nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// workflowErrorStatus maps workflow failures onto console status codes.
func workflowErrorStatus(err error) int {
	var (
		uploadErr     *service.UploadError
		submissionErr *service.SubmissionError
		resultErr     *service.ResultFetchError
		apiErr        *gradingapi.APIError
	)

	switch {
	case errors.Is(err, service.ErrUploadTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrUploadEmpty),
		errors.Is(err, service.ErrUploadTypeNotAllowed),
		errors.Is(err, service.ErrNoUploadedFile),
		errors.Is(err, service.ErrResponseColumnMissing),
		errors.Is(err, service.ErrModelRequired):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrJobInProgress),
		errors.Is(err, service.ErrUploadInProgress),
		errors.Is(err, service.ErrNoActiveJob),
		errors.Is(err, service.ErrJobCancelled):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrNoCompletedJob):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrWorkflowClosed):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &uploadErr),
		errors.As(err, &submissionErr),
		errors.As(err, &resultErr),
		errors.As(err, &apiErr),
		errors.Is(err, service.ErrModelCatalogUnavailable):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func sendWorkflowError(c *fiber.Ctx, logger zerolog.Logger, err error, action string) error {
	status := workflowErrorStatus(err)
	log := requestLogger(logger, c)

	switch {
	case status >= fiber.StatusInternalServerError:
		log.Error().Err(err).Str("action", action).Msg("workflow request failed")
	default:
		log.Debug().Err(err).Str("action", action).Msg("workflow request rejected")
	}

	if status == fiber.StatusInternalServerError {
		return utils.SendError(c, status, action+" failed")
	}
	return utils.SendError(c, status, service.UserMessage(err))
}
