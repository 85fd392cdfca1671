package gradingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://localhost:3001"

	uploadPath  = "/api/upload-essays"
	modelsPath  = "/list-models"
	gradePath   = "/api/grade-essays"
	statusPath  = "/api/grading-status/"
	resultsPath = "/api/grading-results/"

	maxErrorBody = 64 * 1024
)

// ErrEmptyJobID is returned when a job scoped call receives a blank id.
var ErrEmptyJobID = errors.New("job id is required")

// APIError carries a non-2xx response of the grading API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grading api responded %d: %s", e.StatusCode, e.Message)
}

// Config configures the grading API client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	UploadTimeout time.Duration
	Transport     http.RoundTripper
	Logger        zerolog.Logger
}

// Client talks to the external grading API.
type Client struct {
	baseURL       *url.URL
	http          *http.Client
	timeout       time.Duration
	uploadTimeout time.Duration
	tracer        trace.Tracer
	logger        zerolog.Logger
}

// New builds a grading API client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse grading api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("grading api base url must be http(s): %q", raw)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		baseURL:       base,
		http:          &http.Client{Transport: otelhttp.NewTransport(transport)},
		timeout:       cfg.Timeout,
		uploadTimeout: cfg.UploadTimeout,
		tracer:        otel.Tracer("github.com/noah-isme/gema-grader/pkg/gradingapi"),
		logger:        cfg.Logger.With().Str("component", "grading_api_client").Logger(),
	}, nil
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ResolveURL turns a server relative output location into an absolute URL.
func (c *Client) ResolveURL(location string) string {
	location = strings.TrimSpace(location)
	if location == "" {
		return ""
	}
	if parsed, err := url.Parse(location); err == nil && parsed.IsAbs() {
		return location
	}
	return c.BaseURL() + "/" + strings.TrimLeft(location, "/")
}

// UploadEssays sends the spreadsheet as multipart field "file". onSent, when not nil, receives the
// number of body bytes handed to the transport and the total body size.
func (c *Client) UploadEssays(ctx context.Context, fileName string, content []byte, onSent func(sent, total int64)) (UploadResponse, error) {
	ctx, span := c.tracer.Start(ctx, "gradingapi.upload_essays", trace.WithAttributes(
		attribute.String("upload.file_name", fileName),
		attribute.Int("upload.size_bytes", len(content)),
	))
	defer span.End()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return UploadResponse{}, fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	total := int64(body.Len())
	var reader io.Reader = body
	if onSent != nil {
		reader = &progressReader{reader: body, total: total, report: onSent}
	}

	req, err := c.newRequest(ctx, http.MethodPost, uploadPath, reader)
	if err != nil {
		return UploadResponse{}, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var response UploadResponse
	if err := c.do(req, &response); err != nil {
		recordSpanError(span, err)
		return UploadResponse{}, err
	}
	return response, nil
}

// ListModels fetches the models available for grading.
func (c *Client) ListModels(ctx context.Context) (ModelsResponse, error) {
	ctx, span := c.tracer.Start(ctx, "gradingapi.list_models")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, modelsPath, nil)
	if err != nil {
		return ModelsResponse{}, err
	}

	var response ModelsResponse
	if err := c.do(req, &response); err != nil {
		recordSpanError(span, err)
		return ModelsResponse{}, err
	}
	span.SetAttributes(attribute.Int("models.count", len(response.Models)))
	return response, nil
}

// GradeEssays starts a remote grading job.
func (c *Client) GradeEssays(ctx context.Context, payload GradeRequest) (GradeResponse, error) {
	ctx, span := c.tracer.Start(ctx, "gradingapi.grade_essays", trace.WithAttributes(
		attribute.String("grading.model", payload.Model),
	))
	defer span.End()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return GradeResponse{}, fmt.Errorf("encode grade request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, gradePath, bytes.NewReader(encoded))
	if err != nil {
		return GradeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var response GradeResponse
	if err := c.do(req, &response); err != nil {
		recordSpanError(span, err)
		return GradeResponse{}, err
	}
	return response, nil
}

// GradingStatus queries the status of a job.
func (c *Client) GradingStatus(ctx context.Context, jobID string) (StatusResponse, error) {
	if strings.TrimSpace(jobID) == "" {
		return StatusResponse{}, ErrEmptyJobID
	}

	ctx, span := c.tracer.Start(ctx, "gradingapi.grading_status", trace.WithAttributes(
		attribute.String("grading.job_id", jobID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, statusPath+url.PathEscape(jobID), nil)
	if err != nil {
		return StatusResponse{}, err
	}

	var response StatusResponse
	if err := c.do(req, &response); err != nil {
		recordSpanError(span, err)
		return StatusResponse{}, err
	}
	span.SetAttributes(attribute.String("grading.status", response.Status))
	return response, nil
}

// GradingResults fetches the graded rows of a completed job.
func (c *Client) GradingResults(ctx context.Context, jobID string) (ResultsResponse, error) {
	if strings.TrimSpace(jobID) == "" {
		return ResultsResponse{}, ErrEmptyJobID
	}

	ctx, span := c.tracer.Start(ctx, "gradingapi.grading_results", trace.WithAttributes(
		attribute.String("grading.job_id", jobID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, resultsPath+url.PathEscape(jobID), nil)
	if err != nil {
		return ResultsResponse{}, err
	}

	var response ResultsResponse
	if err := c.do(req, &response); err != nil {
		recordSpanError(span, err)
		return ResultsResponse{}, err
	}
	span.SetAttributes(attribute.Int("grading.result_count", len(response.Results)))
	return response, nil
}

// Open requests the artifact at location and returns its body once the API answered with a 2xx
// status. size is -1 when the API sent no Content-Length. Closing the body ends the request.
func (c *Client) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	target := c.ResolveURL(location)
	if target == "" {
		return nil, 0, errors.New("output location is required")
	}

	ctx, span := c.tracer.Start(ctx, "gradingapi.download", trace.WithAttributes(
		attribute.String("download.url", target),
	))

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	fail := func(err error) (io.ReadCloser, int64, error) {
		recordSpanError(span, err)
		cancel()
		span.End()
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fail(fmt.Errorf("build download request: %w", err))
	}
	req.Header.Set("X-Request-ID", requestID(ctx))

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("download request failed: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		_ = resp.Body.Close()
		return fail(apiErr)
	}

	span.SetAttributes(attribute.Int64("download.content_length", resp.ContentLength))
	return &downloadBody{ReadCloser: resp.Body, cancel: cancel, span: span}, resp.ContentLength, nil
}

// Download copies the artifact at location into w.
func (c *Client) Download(ctx context.Context, location string, w io.Writer) (int64, error) {
	body, _, err := c.Open(ctx, location)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	written, err := io.Copy(w, body)
	if err != nil {
		return written, fmt.Errorf("copy download body: %w", err)
	}
	return written, nil
}

type downloadBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
	once   sync.Once
}

func (b *downloadBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cancel()
		b.span.End()
	})
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID(ctx))
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("grading api request failed")
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("grading api request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("request failed with status %d", resp.StatusCode),
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var body ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && strings.TrimSpace(body.Message) != "" {
		apiErr.Message = strings.TrimSpace(body.Message)
	}
	return apiErr
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type requestIDKey struct{}

// WithRequestID binds the X-Request-ID sent on calls made with ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

type progressReader struct {
	reader io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}
