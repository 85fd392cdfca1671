package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

// ResultAPI is the part of the grading API used to read graded rows.
type ResultAPI interface {
	GradingResults(ctx context.Context, jobID string) (gradingapi.ResultsResponse, error)
}

// ResultService retrieves the graded rows of a completed job.
type ResultService interface {
	Fetch(ctx context.Context, jobID string) ([]models.GradingResultRow, error)
}

type resultService struct {
	api    ResultAPI
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewResultService constructs the result fetcher.
func NewResultService(api ResultAPI, logger zerolog.Logger) ResultService {
	return &resultService{
		api:    api,
		logger: logger.With().Str("component", "result_service").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/service/results"),
	}
}

func (s *resultService) Fetch(ctx context.Context, jobID string) ([]models.GradingResultRow, error) {
	ctx, span := s.tracer.Start(ctx, "results.fetch", trace.WithAttributes(attribute.String("grading.job_id", jobID)))
	defer span.End()

	response, err := s.api.GradingResults(ctx, jobID)
	if err != nil {
		observability.ResultFetches().WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, &ResultFetchError{JobID: jobID, Message: messageFor(err, defaultResultsMessage), Err: err}
	}

	if response.Results == nil {
		observability.ResultFetches().WithLabelValues("missing").Inc()
		span.SetStatus(codes.Error, "results missing")
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "Grading results are missing from the response"
		}
		return nil, &ResultFetchError{JobID: jobID, Message: message}
	}

	rows := dto.NewGradingResultRows(response.Results)
	observability.ResultFetches().WithLabelValues("success").Inc()
	span.SetAttributes(attribute.Int("grading.result_count", len(rows)))

	s.logger.Info().Str("job_id", jobID).Int("rows", len(rows)).Msg("grading results fetched")
	return rows, nil
}
