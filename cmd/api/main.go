package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	cloud "github.com/noah-isme/gema-grader/pkg/cloudinary"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	client, err := gradingapi.New(gradingapi.Config{
		BaseURL:       cfg.APIBaseURL,
		Timeout:       cfg.APITimeout,
		UploadTimeout: cfg.UploadTimeout,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to create grading api client: %v", err)
	}

	probes := map[string]handler.HealthProbe{}

	var jobs repository.JobRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		if err := database.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		jobs = repository.NewJobRepository(db)
		probes["database"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
		probes["nats"] = func(ctx context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}

	var archiver service.OutputArchiver
	if cfg.CloudinaryEnabled() {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		archiver = uploader
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	workflow := service.NewGradingWorkflow(service.WorkflowDependencies{
		Uploads:   service.NewUploadService(client, cfg.MaxUploadMB, logger),
		Catalog:   service.NewModelService(client, redisClient, cfg.ModelCacheTTL, logger),
		Submitter: client,
		Poller: service.NewPoller(client, service.PollerConfig{
			Interval:  cfg.PollInterval,
			Timeout:   cfg.PollTimeout,
			MaxErrors: cfg.PollMaxErrors,
		}, logger),
		Results:      service.NewResultService(client, logger),
		Reports:      service.NewReportService(cfg.ScoreScale),
		Downloads:    service.NewDownloadService(client, archiver, logger),
		Jobs:         jobs,
		Events:       service.NewEventPublisher(natsConn, cfg.NATSSubject, logger),
		DisplayLimit: cfg.ResultsDisplayLimit,
	}, logger)

	workflowHandler := handler.NewWorkflowHandler(workflow, validate, logger, 30*time.Second)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.MaxUploadMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		WorkflowHandler: workflowHandler,
		HealthProbes:    probes,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, workflow, logger)
}

func waitForShutdown(app *fiber.App, workflow service.GradingWorkflow, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	workflow.Close()

	logger.Info().Msg("server stopped")
}
