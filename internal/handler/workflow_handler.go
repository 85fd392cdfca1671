package handler

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const spreadsheetContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WorkflowHandler exposes the grading workflow to the console.
type WorkflowHandler struct {
	workflow  service.GradingWorkflow
	validator *validator.Validate
	logger    zerolog.Logger
	keepAlive time.Duration
	// UploadGuard and SubmitGuard wrap the expensive routes, typically with a rate limiter.
	UploadGuard fiber.Handler
	SubmitGuard fiber.Handler
}

// NewWorkflowHandler constructs a workflow handler. keepAlive controls the SSE and websocket
// heartbeat interval.
func NewWorkflowHandler(workflow service.GradingWorkflow, validate *validator.Validate, logger zerolog.Logger, keepAlive time.Duration) *WorkflowHandler {
	if validate == nil {
		validate = validator.New()
	}
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &WorkflowHandler{
		workflow:  workflow,
		validator: validate,
		logger:    logger.With().Str("component", "workflow_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the workflow routes.
func (h *WorkflowHandler) Register(router fiber.Router) {
	router.Post("/upload", guard(h.UploadGuard), h.upload)
	router.Get("/models", h.models)
	router.Post("/jobs", guard(h.SubmitGuard), h.submit)
	router.Delete("/jobs/current", h.cancel)
	router.Get("/state", h.state)
	router.Get("/results", h.results)
	router.Get("/report", h.report)
	router.Get("/download", h.download)
	router.Get("/history", h.history)
	router.Get("/stream", h.stream)
	h.registerWebsocket(router)
}

func guard(handler fiber.Handler) fiber.Handler {
	if handler == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return handler
}

func (h *WorkflowHandler) upload(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	file, err := header.Open()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file could not be read")
	}
	defer file.Close()

	uploaded, err := h.workflow.Upload(middleware.RequestContext(c), service.UploadInput{
		Name:   header.Filename,
		Size:   header.Size,
		Reader: file,
	})
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "upload")
	}

	return utils.SendSuccess(c, "file uploaded", uploaded)
}

func (h *WorkflowHandler) models(c *fiber.Ctx) error {
	descriptors, err := h.workflow.Models(middleware.RequestContext(c))
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "list models")
	}
	return utils.SendSuccess(c, "models", descriptors)
}

func (h *WorkflowHandler) submit(c *fiber.Ctx) error {
	var request dto.JobSubmitRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(request); err != nil {
		return utils.SendValidationError(c, err)
	}

	job, err := h.workflow.Submit(middleware.RequestContext(c), request.Model)
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "submit")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "grading started", dto.NewJobStatusResponse(job, ""))
}

func (h *WorkflowHandler) cancel(c *fiber.Ctx) error {
	job, err := h.workflow.Cancel(middleware.RequestContext(c))
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "cancel")
	}
	return utils.SendSuccess(c, "grading cancelled", dto.NewJobStatusResponse(job, ""))
}

func (h *WorkflowHandler) state(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "workflow state", h.workflow.State())
}

func (h *WorkflowHandler) results(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	results, err := h.workflow.Results(limit)
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "results")
	}
	return utils.SendSuccess(c, "grading results", results)
}

func (h *WorkflowHandler) report(c *fiber.Ctx) error {
	report, err := h.workflow.Report()
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "report")
	}
	return utils.SendSuccess(c, "grading report", report)
}

func (h *WorkflowHandler) download(c *fiber.Ctx) error {
	output, err := h.workflow.OpenOutput(middleware.RequestContext(c))
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "download")
	}

	c.Set(fiber.HeaderContentType, spreadsheetContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", output.FileName))
	c.Set("X-Grading-Job-ID", output.JobID)
	// The body is closed by fasthttp once it has been written.
	return c.Status(fiber.StatusOK).SendStream(output.Body, int(output.Size))
}

func (h *WorkflowHandler) history(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	entries, err := h.workflow.History(middleware.RequestContext(c), limit)
	if err != nil {
		return sendWorkflowError(c, h.logger, err, "history")
	}
	return utils.SendSuccess(c, "grading history", entries)
}
