package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/observability"
)

// ErrOutputLocationMissing indicates a download without an output location.
var ErrOutputLocationMissing = errors.New("output location is required")

// DownloadAPI is the part of the grading API used to fetch output artifacts.
type DownloadAPI interface {
	ResolveURL(location string) string
	Open(ctx context.Context, location string) (io.ReadCloser, int64, error)
	Download(ctx context.Context, location string, w io.Writer) (int64, error)
}

// OutputArchiver keeps a copy of a graded spreadsheet outside the grading API.
type OutputArchiver interface {
	Archive(ctx context.Context, jobID, fileName string, reader io.Reader) (string, error)
}

// DownloadService fetches graded output spreadsheets.
type DownloadService interface {
	URL(location string) string
	Stream(ctx context.Context, location string, w io.Writer) (int64, error)
	Open(ctx context.Context, location string) (io.ReadCloser, int64, error)
	SaveToDir(ctx context.Context, location, dir string) (string, error)
	Archive(ctx context.Context, jobID, location string) (string, error)
	ArchiveEnabled() bool
}

type downloadService struct {
	api      DownloadAPI
	archiver OutputArchiver
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewDownloadService constructs the download service. archiver may be nil.
func NewDownloadService(api DownloadAPI, archiver OutputArchiver, logger zerolog.Logger) DownloadService {
	return &downloadService{
		api:      api,
		archiver: archiver,
		logger:   logger.With().Str("component", "download_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-grader/internal/service/download"),
	}
}

func (s *downloadService) URL(location string) string {
	return s.api.ResolveURL(location)
}

func (s *downloadService) ArchiveEnabled() bool {
	return s.archiver != nil
}

func (s *downloadService) Stream(ctx context.Context, location string, w io.Writer) (int64, error) {
	if strings.TrimSpace(location) == "" {
		return 0, ErrOutputLocationMissing
	}

	ctx, span := s.tracer.Start(ctx, "download.stream", trace.WithAttributes(attribute.String("download.location", location)))
	defer span.End()

	written, err := s.api.Download(ctx, location, w)
	observability.DownloadBytes().Add(float64(written))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return written, err
	}
	span.SetAttributes(attribute.Int64("download.size_bytes", written))
	return written, nil
}

// Open returns the upstream body of the output spreadsheet once the grading API accepted the
// request, so callers can still report a failed download before writing anything.
func (s *downloadService) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	if strings.TrimSpace(location) == "" {
		return nil, 0, ErrOutputLocationMissing
	}

	body, size, err := s.api.Open(ctx, location)
	if err != nil {
		s.logger.Warn().Err(err).Str("location", location).Msg("failed to open grading output")
		return nil, 0, err
	}
	return &countingBody{ReadCloser: body}, size, nil
}

// countingBody adds the bytes read to the download counter.
type countingBody struct {
	io.ReadCloser
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	observability.DownloadBytes().Add(float64(n))
	return n, err
}

func (s *downloadService) SaveToDir(ctx context.Context, location, dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	target := filepath.Join(dir, OutputFileName(location))
	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}

	written, err := s.Stream(ctx, location, file)
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(target)
		return "", err
	}
	if closeErr != nil {
		return "", fmt.Errorf("close output file: %w", closeErr)
	}

	s.logger.Info().Str("path", target).Int64("bytes", written).Msg("grading output saved")
	return target, nil
}

func (s *downloadService) Archive(ctx context.Context, jobID, location string) (string, error) {
	if s.archiver == nil {
		return "", nil
	}

	buf := &bytes.Buffer{}
	if _, err := s.Stream(ctx, location, buf); err != nil {
		return "", err
	}

	archived, err := s.archiver.Archive(ctx, jobID, OutputFileName(location), buf)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to archive grading output")
		return "", err
	}
	return archived, nil
}

// OutputFileName derives a local file name from an output location.
func OutputFileName(location string) string {
	raw := strings.TrimSpace(location)
	if parsed, err := url.Parse(raw); err == nil {
		raw = parsed.Path
	}
	name := path.Base(strings.ReplaceAll(raw, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "graded-results.xlsx"
	}
	return name
}
