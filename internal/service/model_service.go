package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

const modelCatalogCacheKey = "grader:models"

// ModelAPI is the part of the grading API that lists models.
type ModelAPI interface {
	ListModels(ctx context.Context) (gradingapi.ModelsResponse, error)
}

// ModelService lists the models a job can be graded with.
type ModelService interface {
	List(ctx context.Context) ([]models.ModelDescriptor, error)
}

type modelService struct {
	api      ModelAPI
	cache    *redis.Client
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewModelService constructs the model catalog. cache may be nil.
func NewModelService(api ModelAPI, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ModelService {
	return &modelService{
		api:      api,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger.With().Str("component", "model_service").Logger(),
	}
}

func (s *modelService) List(ctx context.Context) ([]models.ModelDescriptor, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grader/internal/service/models")
	ctx, span := tracer.Start(ctx, "models.list")
	span.SetAttributes(attribute.String("models.cache_key", modelCatalogCacheKey))
	defer span.End()

	if s.cache != nil && s.cacheTTL > 0 {
		cached, err := s.cache.Get(ctx, modelCatalogCacheKey).Result()
		if err == nil {
			var descriptors []models.ModelDescriptor
			if unmarshalErr := json.Unmarshal([]byte(cached), &descriptors); unmarshalErr == nil {
				observability.ModelCatalogRequests().WithLabelValues("cache").Inc()
				span.SetAttributes(attribute.Bool("models.cache_hit", true))
				return descriptors, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read model catalog cache")
			span.RecordError(err)
		}
	}

	response, err := s.api.ListModels(ctx)
	if err != nil {
		observability.ModelCatalogRequests().WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_models_failed")
		return nil, fmt.Errorf("%w: %s", ErrModelCatalogUnavailable, messageFor(err, err.Error()))
	}
	if !response.Success && response.Models == nil {
		observability.ModelCatalogRequests().WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, "list_models_unsuccessful")
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "grading api reported failure"
		}
		return nil, fmt.Errorf("%w: %s", ErrModelCatalogUnavailable, message)
	}

	descriptors := dto.NewModelDescriptors(response.Models)
	observability.ModelCatalogRequests().WithLabelValues("remote").Inc()
	span.SetAttributes(attribute.Int("models.count", len(descriptors)))

	if s.cache != nil && s.cacheTTL > 0 {
		payload, err := json.Marshal(descriptors)
		if err == nil {
			if err := s.cache.Set(ctx, modelCatalogCacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store model catalog cache")
				span.RecordError(err)
			}
		}
	}

	return descriptors, nil
}
