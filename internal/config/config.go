package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading console and CLI.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	LogLevel               string
	APIBaseURL             string
	APITimeout             time.Duration
	UploadTimeout          time.Duration
	MaxUploadMB            int
	PollInterval           time.Duration
	PollTimeout            time.Duration
	PollMaxErrors          int
	ResultsDisplayLimit    int
	ScoreScale             float64
	DatabaseURL            string
	RedisURL               string
	ModelCacheTTL          time.Duration
	NATSURL                string
	NATSSubject            string
	ConsoleJWTSecret       string
	DownloadDir            string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the console server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether output archiving credentials are present.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("api.base_url", "http://localhost:3001")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("upload.timeout", "5m")
	v.SetDefault("max_upload_mb", 20)
	v.SetDefault("poll.interval", "2s")
	v.SetDefault("poll.timeout", "30m")
	v.SetDefault("poll.max_errors", 30)
	v.SetDefault("results.display_limit", 5)
	v.SetDefault("score.scale", 100)
	v.SetDefault("model.cache_ttl", "10m")
	v.SetDefault("nats.subject", "gema.grader.events")
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("cloudinary.folder", "gema/grading-results")

	durations := map[string]time.Duration{}
	for _, key := range []string{"api.timeout", "upload.timeout", "poll.interval", "poll.timeout", "model.cache_ttl"} {
		parsed, err := parseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		APIBaseURL:             strings.TrimRight(strings.TrimSpace(v.GetString("api.base_url")), "/"),
		APITimeout:             durations["api.timeout"],
		UploadTimeout:          durations["upload.timeout"],
		MaxUploadMB:            v.GetInt("max_upload_mb"),
		PollInterval:           durations["poll.interval"],
		PollTimeout:            durations["poll.timeout"],
		PollMaxErrors:          v.GetInt("poll.max_errors"),
		ResultsDisplayLimit:    v.GetInt("results.display_limit"),
		ScoreScale:             v.GetFloat64("score.scale"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		ModelCacheTTL:          durations["model.cache_ttl"],
		NATSURL:                v.GetString("nats.url"),
		NATSSubject:            v.GetString("nats.subject"),
		ConsoleJWTSecret:       v.GetString("console.jwt_secret"),
		DownloadDir:            v.GetString("download.dir"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("grading api base url must be provided")
	}

	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("poll interval must be positive")
	}

	if cfg.PollTimeout < 0 || cfg.PollMaxErrors < 0 {
		return Config{}, fmt.Errorf("poll bounds must not be negative")
	}

	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 20
	}

	if cfg.ResultsDisplayLimit <= 0 {
		cfg.ResultsDisplayLimit = 5
	}

	if cfg.ScoreScale <= 0 {
		cfg.ScoreScale = 100
	}

	return cfg, nil
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
