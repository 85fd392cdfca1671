package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
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

const (
	// uploadEstimateCeiling bounds the time based estimate so real byte progress can overtake it.
	uploadEstimateCeiling = 90
	uploadEstimateTau     = 3 * time.Second
	uploadInFlightCeiling = 99
	uploadProgressTick    = 200 * time.Millisecond
)

// UploadAPI is the part of the grading API used for uploads.
type UploadAPI interface {
	UploadEssays(ctx context.Context, fileName string, content []byte, onSent func(sent, total int64)) (gradingapi.UploadResponse, error)
}

// UploadInput is one spreadsheet picked by the instructor.
type UploadInput struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// UploadService validates spreadsheets and sends them to the grading API.
type UploadService interface {
	Upload(ctx context.Context, input UploadInput, progress func(percent int)) (models.UploadedFile, error)
}

type uploadService struct {
	api     UploadAPI
	logger  zerolog.Logger
	maxSize int64
	tick    time.Duration
	tracer  trace.Tracer
	now     func() time.Time
}

// NewUploadService constructs an upload service.
func NewUploadService(api UploadAPI, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	return &uploadService{
		api:     api,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tick:    uploadProgressTick,
		tracer:  otel.Tracer("github.com/noah-isme/gema-grader/internal/service/upload"),
		now:     time.Now,
	}
}

func (s *uploadService) Upload(ctx context.Context, input UploadInput, progress func(percent int)) (models.UploadedFile, error) {
	ctx, span := s.tracer.Start(ctx, "upload.essays")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("upload.max_bytes", s.maxSize),
		attribute.String("upload.original_name", strings.TrimSpace(input.Name)),
		attribute.Int64("upload.request_size", input.Size),
	)

	if input.Reader == nil {
		observability.UploadRejected().WithLabelValues("empty").Inc()
		span.SetStatus(codes.Error, "empty file")
		return models.UploadedFile{}, ErrUploadEmpty
	}

	if input.Size > s.maxSize {
		observability.UploadRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return models.UploadedFile{}, ErrUploadTooLarge
	}

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(input.Reader, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return models.UploadedFile{}, fmt.Errorf("read upload: %w", err)
	}
	if buf.Len() == 0 {
		observability.UploadRejected().WithLabelValues("empty").Inc()
		span.SetStatus(codes.Error, "empty file")
		return models.UploadedFile{}, ErrUploadEmpty
	}
	if int64(buf.Len()) > s.maxSize {
		observability.UploadRejected().WithLabelValues("size").Inc()
		span.RecordError(ErrUploadTooLarge)
		span.SetStatus(codes.Error, "payload too large")
		return models.UploadedFile{}, ErrUploadTooLarge
	}

	fileType, ok := detectSpreadsheet(buf.Bytes(), input.Name)
	span.SetAttributes(attribute.String("upload.detected_type", fileType))
	if !ok {
		observability.UploadRejected().WithLabelValues("type").Inc()
		span.RecordError(ErrUploadTypeNotAllowed)
		span.SetStatus(codes.Error, "type not allowed")
		return models.UploadedFile{}, ErrUploadTypeNotAllowed
	}

	name := sanitizeFileName(input.Name, fileType)
	span.SetAttributes(
		attribute.String("upload.sanitized_name", name),
		attribute.Int64("upload.size_bytes", int64(buf.Len())),
	)

	start := s.now()
	tracker := newUploadProgress(progress)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tracker.report(EstimateUploadProgress(s.now().Sub(start)))
			}
		}
	}()

	response, err := s.api.UploadEssays(ctx, name, buf.Bytes(), func(sent, total int64) {
		if total > 0 {
			tracker.report(int(sent * uploadInFlightCeiling / total))
		}
	})
	close(stop)
	wg.Wait()
	observability.UploadLatency().Observe(s.now().Sub(start).Seconds())

	if err != nil {
		observability.UploadRejected().WithLabelValues("remote").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		s.logger.Warn().Err(err).Str("file", name).Msg("grading api rejected upload")
		return models.UploadedFile{}, &UploadError{Message: messageFor(err, defaultUploadMessage), Err: err}
	}

	file, err := dto.NewUploadedFile(response.FileInfo)
	if err != nil {
		observability.UploadRejected().WithLabelValues("response").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid response")
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "Upload response did not describe the file"
		}
		return models.UploadedFile{}, &UploadError{Message: message, Err: err}
	}

	tracker.finish()
	observability.UploadRequests().WithLabelValues(fileType).Inc()
	span.SetAttributes(
		attribute.Int("upload.row_count", file.RowCount),
		attribute.Bool("upload.has_response_column", file.HasResponseColumn),
	)
	span.SetStatus(codes.Ok, "uploaded")

	s.logger.Info().
		Str("file", file.Name).
		Int("rows", file.RowCount).
		Bool("has_response_column", file.HasResponseColumn).
		Msg("spreadsheet uploaded")

	return file, nil
}

// EstimateUploadProgress returns the displayed upload percentage after elapsed time. The curve rises
// quickly at first and flattens, never passing 90 so it cannot claim completion.
func EstimateUploadProgress(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	ratio := 1 - math.Exp(-float64(elapsed)/float64(uploadEstimateTau))
	return int(math.Floor(uploadEstimateCeiling * ratio))
}

// uploadProgress forwards monotonic percentages, held at 99 until finish.
type uploadProgress struct {
	mu       sync.Mutex
	last     int
	finished bool
	sink     func(int)
}

func newUploadProgress(sink func(int)) *uploadProgress {
	return &uploadProgress{sink: sink}
}

func (p *uploadProgress) report(percent int) {
	if percent > uploadInFlightCeiling {
		percent = uploadInFlightCeiling
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || percent <= p.last {
		return
	}
	p.last = percent
	if p.sink != nil {
		p.sink(percent)
	}
}

func (p *uploadProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.last = 100
	if p.sink != nil {
		p.sink(100)
	}
}

// detectSpreadsheet returns a short type label and whether the payload is an accepted spreadsheet.
func detectSpreadsheet(payload []byte, name string) (string, bool) {
	detected := mimetype.Detect(payload)
	for mt := detected; mt != nil; mt = mt.Parent() {
		if label, ok := spreadsheetLabel(mt); ok {
			return label, true
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if detected.Is("text/plain") && (ext == ".csv" || ext == ".tsv") {
		return strings.TrimPrefix(ext, "."), true
	}
	return detected.String(), false
}

func spreadsheetLabel(mt *mimetype.MIME) (string, bool) {
	switch {
	case mt.Is("text/csv"):
		return "csv", true
	case mt.Is("text/tab-separated-values"):
		return "tsv", true
	case mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return "xlsx", true
	case mt.Is("application/vnd.ms-excel"):
		return "xls", true
	default:
		return "", false
	}
}

func sanitizeFileName(name, fileType string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("essays-%d", time.Now().Unix())
	}
	return base + "." + fileType
}
