package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Archiver stores graded output spreadsheets as raw Cloudinary assets.
type Archiver struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary archiver.
func New(cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Archiver{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Archive uploads the spreadsheet under a public id derived from jobID and returns its secure URL.
// Archiving the same job twice overwrites the earlier copy.
func (a *Archiver) Archive(ctx context.Context, jobID, fileName string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:       strings.Trim(a.folder, "/"),
		PublicID:     BuildPublicID(jobID, fileName),
		ResourceType: "raw",
		Overwrite:    api.Bool(true),
		Tags:         []string{"gema-grader", "grading-output"},
	}

	result, err := a.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to archive grading output: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected grading output: %s", result.Error.Message)
	}

	a.logger.Info().Str("job_id", jobID).Str("public_id", result.PublicID).Msg("grading output archived")

	return result.SecureURL, nil
}

// BuildPublicID returns "<job>-<file>.<ext>". Raw assets keep their extension in the public id.
func BuildPublicID(jobID, fileName string) string {
	clean := func(value string) string {
		value = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return '-'
		}, value)
		return strings.Trim(value, "-")
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	base := clean(strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)))
	job := clean(jobID)

	switch {
	case job == "" && base == "":
		base = "grading-output"
	case job == "":
	case base == "":
		base = job
	default:
		base = job + "-" + base
	}
	if ext == "" {
		ext = ".xlsx"
	}
	return base + ext
}
