package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "GEMA Grader", cfg.AppName)
	require.Equal(t, ":8090", cfg.HTTPAddress())
	require.Equal(t, "http://localhost:3001", cfg.APIBaseURL)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 30*time.Minute, cfg.PollTimeout)
	require.Equal(t, 30, cfg.PollMaxErrors)
	require.Equal(t, 5, cfg.ResultsDisplayLimit)
	require.Equal(t, 100.0, cfg.ScoreScale)
	require.False(t, cfg.CloudinaryEnabled())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GRADER_API_BASE_URL", "https://grader.example.com/")
	t.Setenv("GRADER_POLL_INTERVAL", "500ms")
	t.Setenv("GRADER_POLL_TIMEOUT", "0")
	t.Setenv("GRADER_POLL_MAX_ERRORS", "0")
	t.Setenv("GRADER_RESULTS_DISPLAY_LIMIT", "10")
	t.Setenv("GRADER_CONSOLE_JWT_SECRET", "secret")
	t.Setenv("GRADER_APP_PORT", ":9000")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "https://grader.example.com", cfg.APIBaseURL)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	require.Zero(t, cfg.PollTimeout)
	require.Zero(t, cfg.PollMaxErrors)
	require.Equal(t, 10, cfg.ResultsDisplayLimit)
	require.Equal(t, "secret", cfg.ConsoleJWTSecret)
	require.Equal(t, ":9000", cfg.HTTPAddress())
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("GRADER_POLL_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
}
