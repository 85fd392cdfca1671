package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

var (
	// ErrUploadInProgress indicates another upload is still running.
	ErrUploadInProgress = errors.New("an upload is already in progress")
	// ErrNoActiveJob indicates there is no job to cancel.
	ErrNoActiveJob = errors.New("no grading job is running")
	// ErrJobCancelled indicates the job was cancelled while its start request was in flight.
	ErrJobCancelled = errors.New("grading job was cancelled")
)

// DefaultResultsDisplayLimit is the number of result rows shown when no limit is requested.
const DefaultResultsDisplayLimit = 5

// SubmitAPI is the part of the grading API that starts jobs.
type SubmitAPI interface {
	GradeEssays(ctx context.Context, payload gradingapi.GradeRequest) (gradingapi.GradeResponse, error)
}

// GradingWorkflow drives one instructor session: upload, model selection, job submission, polling,
// result retrieval and download.
type GradingWorkflow interface {
	Upload(ctx context.Context, input UploadInput) (models.UploadedFile, error)
	Models(ctx context.Context) ([]models.ModelDescriptor, error)
	Submit(ctx context.Context, model string) (models.GradingJob, error)
	Cancel(ctx context.Context) (models.GradingJob, error)
	State() dto.WorkflowStateResponse
	Results(limit int) (dto.ResultsResponse, error)
	Report() (dto.ReportResponse, error)
	Download(ctx context.Context, w io.Writer) (int64, error)
	OpenOutput(ctx context.Context) (OutputStream, error)
	SaveOutput(ctx context.Context, dir string) (string, error)
	History(ctx context.Context, limit int) ([]dto.HistoryEntryResponse, error)
	Subscribe() (<-chan dto.WorkflowEventResponse, func())
	Close()
}

// OutputStream is the open output spreadsheet of one completed job. Body must be closed.
type OutputStream struct {
	JobID    string
	FileName string
	Size     int64
	Body     io.ReadCloser
}

// WorkflowDependencies wires the collaborators of the workflow. Jobs and Events may be nil.
type WorkflowDependencies struct {
	Uploads      UploadService
	Catalog      ModelService
	Submitter    SubmitAPI
	Poller       *Poller
	Results      ResultService
	Reports      ReportService
	Downloads    DownloadService
	Jobs         repository.JobRepository
	Events       EventPublisher
	DisplayLimit int
}

type gradingWorkflow struct {
	deps   WorkflowDependencies
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	background sync.WaitGroup

	mu             sync.Mutex
	generation     uint64
	closed         bool
	uploading      bool
	uploadProgress int
	file           *models.UploadedFile
	catalog        []models.ModelDescriptor
	job            *models.GradingJob
	handle         *PollerHandle
	results        []models.GradingResultRow
	resultsJobID   string
	lastError      *dto.NotificationResponse
	updatedAt      time.Time
}

// NewGradingWorkflow constructs the workflow.
func NewGradingWorkflow(deps WorkflowDependencies, logger zerolog.Logger) GradingWorkflow {
	if deps.DisplayLimit <= 0 {
		deps.DisplayLimit = DefaultResultsDisplayLimit
	}
	if deps.Events == nil {
		deps.Events = NewEventPublisher(nil, "", logger)
	}
	if deps.Reports == nil {
		deps.Reports = NewReportService(100)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &gradingWorkflow{
		deps:       deps,
		logger:     logger.With().Str("component", "grading_workflow").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/internal/service/workflow"),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		updatedAt:  time.Now().UTC(),
	}
}

func (w *gradingWorkflow) Upload(ctx context.Context, input UploadInput) (models.UploadedFile, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.upload")
	defer span.End()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return models.UploadedFile{}, ErrWorkflowClosed
	}
	if w.uploading {
		w.mu.Unlock()
		return models.UploadedFile{}, ErrUploadInProgress
	}
	w.uploading = true
	w.uploadProgress = 0
	w.touchLocked()
	started := w.eventLocked(EventUploadStarted, "", "")
	w.mu.Unlock()
	w.deps.Events.Publish(ctx, started)

	file, err := w.deps.Uploads.Upload(ctx, input, func(percent int) {
		w.mu.Lock()
		if !w.uploading || percent <= w.uploadProgress {
			w.mu.Unlock()
			return
		}
		w.uploadProgress = percent
		w.touchLocked()
		event := w.eventLocked(EventUploadProgress, "", "")
		w.mu.Unlock()
		w.deps.Events.Publish(ctx, event)
	})

	w.mu.Lock()
	w.uploading = false
	if err != nil {
		w.uploadProgress = 0
		w.failLocked("upload", err)
		event := w.eventLocked(EventUploadFailed, "", w.lastError.Message)
		w.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		w.deps.Events.Publish(ctx, event)
		return models.UploadedFile{}, err
	}

	// A new file invalidates the running job and its results.
	w.generation++
	handle := w.handle
	w.handle = nil
	cancelled := w.cancelActiveLocked()
	w.file = &file
	w.uploadProgress = 100
	w.results = nil
	w.resultsJobID = ""
	w.lastError = nil
	w.touchLocked()
	event := w.eventLocked(EventUploadCompleted, "", file.Name)
	w.mu.Unlock()

	handle.Stop()
	handle.Wait()
	if cancelled != nil {
		w.persistJob(ctx, *cancelled)
	}

	span.SetAttributes(attribute.Int("upload.row_count", file.RowCount))
	w.deps.Events.Publish(ctx, event)
	return file, nil
}

func (w *gradingWorkflow) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	descriptors, err := w.deps.Catalog.List(ctx)

	w.mu.Lock()
	if err != nil {
		w.failLocked("models", err)
		event := w.eventLocked(EventModelsFailed, "", w.lastError.Message)
		w.mu.Unlock()
		w.deps.Events.Publish(ctx, event)
		return nil, err
	}
	w.catalog = append([]models.ModelDescriptor(nil), descriptors...)
	w.touchLocked()
	event := w.eventLocked(EventModelsLoaded, "", "")
	w.mu.Unlock()

	w.deps.Events.Publish(ctx, event)
	return descriptors, nil
}

func (w *gradingWorkflow) Submit(ctx context.Context, model string) (models.GradingJob, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.submit", trace.WithAttributes(attribute.String("grading.model", model)))
	defer span.End()

	model = strings.TrimSpace(model)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return models.GradingJob{}, ErrWorkflowClosed
	}
	if err := w.submittableLocked(model); err != nil {
		w.mu.Unlock()
		observability.JobSubmissions().WithLabelValues("rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return models.GradingJob{}, err
	}

	previous := w.job
	w.generation++
	generation := w.generation
	file := *w.file
	w.job = &models.GradingJob{
		Model:     model,
		FilePath:  file.Path,
		State:     models.JobStateSubmitting,
		Total:     file.RowCount,
		StartedAt: w.now().UTC(),
	}
	w.touchLocked()
	w.mu.Unlock()

	response, err := w.deps.Submitter.GradeEssays(ctx, gradingapi.GradeRequest{FilePath: file.Path, Model: model})
	jobID := response.JobID.String("")
	if err == nil && jobID == "" {
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "Grading API did not return a job id"
		}
		err = &SubmissionError{Message: message}
	} else if err != nil {
		err = &SubmissionError{Message: messageFor(err, defaultSubmissionMessage), Err: err}
	}

	w.mu.Lock()
	if generation != w.generation {
		// Cancelled or replaced while the start request was in flight.
		w.mu.Unlock()
		observability.JobSubmissions().WithLabelValues("cancelled").Inc()
		if err != nil {
			return models.GradingJob{}, err
		}
		w.logger.Warn().Str("job_id", jobID).Msg("job started remotely after local cancellation")
		return models.GradingJob{ID: jobID, Model: model, FilePath: file.Path, State: models.JobStateCancelled}, ErrJobCancelled
	}

	if err != nil {
		w.job = previous
		w.failLocked("submission", err)
		event := w.eventLocked(EventSubmissionFailed, "", w.lastError.Message)
		w.mu.Unlock()
		observability.JobSubmissions().WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		w.deps.Events.Publish(ctx, event)
		return models.GradingJob{}, err
	}

	w.job.ID = jobID
	w.job.State = models.JobStatePolling
	w.handle = w.deps.Poller.Start(w.baseCtx, jobID, func(event PollEvent) bool {
		return w.applyPoll(generation, event)
	})
	w.lastError = nil
	w.touchLocked()
	job := *w.job
	event := w.eventLocked(EventJobSubmitted, jobID, "")
	w.mu.Unlock()

	observability.JobSubmissions().WithLabelValues("started").Inc()
	span.SetAttributes(attribute.String("grading.job_id", jobID))
	w.logger.Info().Str("job_id", jobID).Str("model", model).Int("rows", job.Total).Msg("grading job started")

	w.persistJob(ctx, job)
	w.deps.Events.Publish(ctx, event)
	return job, nil
}

func (w *gradingWorkflow) submittableLocked(model string) error {
	switch {
	case w.file == nil:
		return ErrNoUploadedFile
	case !w.file.HasResponseColumn:
		return ErrResponseColumnMissing
	case model == "":
		return ErrModelRequired
	case w.uploading:
		return ErrUploadInProgress
	case w.job != nil && w.job.State.IsActive():
		return ErrJobInProgress
	default:
		return nil
	}
}

// applyPoll runs on the poller goroutine. It returns false once the loop should end.
func (w *gradingWorkflow) applyPoll(generation uint64, poll PollEvent) bool {
	w.mu.Lock()
	if generation != w.generation || w.job == nil || w.job.State != models.JobStatePolling {
		w.mu.Unlock()
		return false
	}

	switch poll.Kind {
	case PollProgress:
		before := w.job.Processed
		if poll.HasProgress {
			w.job.ApplyProgress(poll.Progress)
		}
		if w.job.Processed == before {
			w.mu.Unlock()
			return true
		}
		w.touchLocked()
		event := w.eventLocked(EventJobProgress, w.job.ID, "")
		w.mu.Unlock()
		w.deps.Events.Publish(w.baseCtx, event)
		return true

	case PollComplete:
		w.handle.Stop()
		w.job.Complete(poll.OutputURL, w.now().UTC())
		w.touchLocked()
		job := *w.job
		event := w.eventLocked(EventJobCompleted, job.ID, "")
		w.background.Add(1)
		w.mu.Unlock()

		observability.JobOutcomes().WithLabelValues(string(models.JobStateComplete)).Inc()
		w.logger.Info().Str("job_id", job.ID).Str("output_url", job.OutputURL).Msg("grading job complete")
		w.persistJob(w.baseCtx, job)
		w.deps.Events.Publish(w.baseCtx, event)

		go func() {
			defer w.background.Done()
			w.fetchResults(generation, job)
		}()
		return false

	case PollFailed:
		w.handle.Stop()
		w.job.Fail(poll.Message, w.now().UTC())
		cause := poll.Err
		if cause == nil {
			cause = errors.New(poll.Message)
		}
		w.failLocked("job", cause)
		job := *w.job
		event := w.eventLocked(EventJobFailed, job.ID, w.lastError.Message)
		w.mu.Unlock()

		observability.JobOutcomes().WithLabelValues(string(models.JobStateFailed)).Inc()
		w.logger.Warn().Str("job_id", job.ID).Str("reason", poll.Message).Msg("grading job failed")
		w.persistJob(w.baseCtx, job)
		w.deps.Events.Publish(w.baseCtx, event)
		return false

	default:
		w.mu.Unlock()
		return true
	}
}

func (w *gradingWorkflow) fetchResults(generation uint64, job models.GradingJob) {
	ctx := w.baseCtx
	rows, err := w.deps.Results.Fetch(ctx, job.ID)

	w.mu.Lock()
	if generation != w.generation {
		w.mu.Unlock()
		return
	}
	if err != nil {
		w.failLocked("results", err)
		event := w.eventLocked(EventResultsFailed, job.ID, w.lastError.Message)
		w.mu.Unlock()
		w.deps.Events.Publish(ctx, event)
		return
	}
	w.results = rows
	w.resultsJobID = job.ID
	w.touchLocked()
	event := w.eventLocked(EventResultsFetched, job.ID, "")
	w.mu.Unlock()

	w.deps.Events.Publish(ctx, event)
	w.persistResults(ctx, job.ID, rows)
	w.archiveOutput(ctx, generation, job)
}

func (w *gradingWorkflow) archiveOutput(ctx context.Context, generation uint64, job models.GradingJob) {
	if w.deps.Downloads == nil || !w.deps.Downloads.ArchiveEnabled() || job.OutputURL == "" {
		return
	}

	archived, err := w.deps.Downloads.Archive(ctx, job.ID, job.OutputURL)
	if err != nil || archived == "" {
		return
	}
	if w.deps.Jobs != nil {
		if err := w.deps.Jobs.SetArchiveURL(ctx, job.ID, archived); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record archive url")
		}
	}

	w.mu.Lock()
	if generation != w.generation {
		w.mu.Unlock()
		return
	}
	event := w.eventLocked(EventOutputArchived, job.ID, archived)
	w.mu.Unlock()
	w.deps.Events.Publish(ctx, event)
}

func (w *gradingWorkflow) Cancel(ctx context.Context) (models.GradingJob, error) {
	w.mu.Lock()
	if w.job == nil || !w.job.State.IsActive() {
		w.mu.Unlock()
		return models.GradingJob{}, ErrNoActiveJob
	}
	w.generation++
	handle := w.handle
	w.handle = nil
	cancelled := w.cancelActiveLocked()
	w.touchLocked()
	event := w.eventLocked(EventJobCancelled, cancelled.ID, "")
	w.mu.Unlock()

	handle.Stop()
	handle.Wait()

	w.logger.Info().Str("job_id", cancelled.ID).Msg("grading job cancelled")
	if cancelled.ID != "" {
		w.persistJob(ctx, *cancelled)
	}
	w.deps.Events.Publish(ctx, event)
	return *cancelled, nil
}

// cancelActiveLocked marks an active job cancelled and returns a copy of it, or nil.
func (w *gradingWorkflow) cancelActiveLocked() *models.GradingJob {
	if w.job == nil || !w.job.State.IsActive() {
		return nil
	}
	at := w.now().UTC()
	w.job.State = models.JobStateCancelled
	w.job.CompletedAt = &at
	observability.JobOutcomes().WithLabelValues(string(models.JobStateCancelled)).Inc()
	job := *w.job
	return &job
}

func (w *gradingWorkflow) State() dto.WorkflowStateResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *gradingWorkflow) Results(limit int) (dto.ResultsResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.job == nil || !w.job.IsComplete() {
		return dto.ResultsResponse{}, ErrNoCompletedJob
	}
	if limit <= 0 {
		limit = w.deps.DisplayLimit
	}
	return dto.ResultsResponse{
		JobID:   w.resultsOwnerLocked(),
		Current: w.resultsCurrentLocked(),
		Total:   len(w.results),
		Rows:    dto.NewResultRowResponseSlice(window(w.results, limit)),
	}, nil
}

// resultsOwnerLocked names the job the held rows belong to. Rows kept after a failed fetch stay
// attributed to the job they were fetched for.
func (w *gradingWorkflow) resultsOwnerLocked() string {
	if w.resultsJobID != "" {
		return w.resultsJobID
	}
	if w.job != nil {
		return w.job.ID
	}
	return ""
}

func (w *gradingWorkflow) resultsCurrentLocked() bool {
	return w.job != nil && w.job.ID != "" && w.resultsJobID == w.job.ID
}

func (w *gradingWorkflow) Report() (dto.ReportResponse, error) {
	w.mu.Lock()
	if w.job == nil || !w.job.IsComplete() {
		w.mu.Unlock()
		return dto.ReportResponse{}, ErrNoCompletedJob
	}
	jobID := w.resultsOwnerLocked()
	rows := append([]models.GradingResultRow(nil), w.results...)
	w.mu.Unlock()

	return w.deps.Reports.Build(jobID, rows), nil
}

func (w *gradingWorkflow) completedOutput() (models.GradingJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job == nil || !w.job.IsComplete() {
		return models.GradingJob{}, ErrNoCompletedJob
	}
	if w.job.OutputURL == "" {
		return models.GradingJob{}, ErrOutputLocationMissing
	}
	return *w.job, nil
}

func (w *gradingWorkflow) Download(ctx context.Context, out io.Writer) (int64, error) {
	job, err := w.completedOutput()
	if err != nil {
		return 0, err
	}
	return w.deps.Downloads.Stream(ctx, job.OutputURL, out)
}

// OpenOutput opens the spreadsheet of the job that is current when it is called. The file name and
// body come from the same job even if another job starts while the body is read.
func (w *gradingWorkflow) OpenOutput(ctx context.Context) (OutputStream, error) {
	job, err := w.completedOutput()
	if err != nil {
		return OutputStream{}, err
	}
	body, size, err := w.deps.Downloads.Open(ctx, job.OutputURL)
	if err != nil {
		return OutputStream{}, err
	}
	return OutputStream{JobID: job.ID, FileName: OutputFileName(job.OutputURL), Size: size, Body: body}, nil
}

func (w *gradingWorkflow) SaveOutput(ctx context.Context, dir string) (string, error) {
	job, err := w.completedOutput()
	if err != nil {
		return "", err
	}
	return w.deps.Downloads.SaveToDir(ctx, job.OutputURL, dir)
}

func (w *gradingWorkflow) History(ctx context.Context, limit int) ([]dto.HistoryEntryResponse, error) {
	if w.deps.Jobs == nil {
		return []dto.HistoryEntryResponse{}, nil
	}
	records, err := w.deps.Jobs.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewHistoryEntryResponseSlice(records), nil
}

func (w *gradingWorkflow) Subscribe() (<-chan dto.WorkflowEventResponse, func()) {
	return w.deps.Events.Subscribe()
}

// Close stops the running poller and waits for background result fetches.
func (w *gradingWorkflow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.generation++
	handle := w.handle
	w.handle = nil
	w.mu.Unlock()

	handle.Stop()
	w.baseCancel()
	handle.Wait()
	w.background.Wait()
}

func (w *gradingWorkflow) persistJob(ctx context.Context, job models.GradingJob) {
	if w.deps.Jobs == nil || job.ID == "" {
		return
	}
	w.mu.Lock()
	file := models.UploadedFile{}
	if w.file != nil && w.file.Path == job.FilePath {
		file = *w.file
	}
	w.mu.Unlock()

	record := models.NewJobRecord(job, file)
	if err := w.deps.Jobs.Save(context.WithoutCancel(ctx), &record); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job")
	}
}

func (w *gradingWorkflow) persistResults(ctx context.Context, jobID string, rows []models.GradingResultRow) {
	if w.deps.Jobs == nil {
		return
	}
	records := make([]models.ResultRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.NewResultRecord(row))
	}
	if err := w.deps.Jobs.ReplaceResults(context.WithoutCancel(ctx), jobID, records); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist results")
	}
}

func (w *gradingWorkflow) failLocked(kind string, err error) {
	w.lastError = &dto.NotificationResponse{
		Kind:    kind,
		Message: dto.SanitizeText(UserMessage(err)),
		At:      w.now().UTC(),
	}
	w.touchLocked()
}

func (w *gradingWorkflow) touchLocked() {
	w.updatedAt = w.now().UTC()
}

func (w *gradingWorkflow) eventLocked(eventType, jobID, message string) dto.WorkflowEventResponse {
	return dto.WorkflowEventResponse{
		Type:    eventType,
		JobID:   jobID,
		Message: message,
		State:   w.snapshotLocked(),
		At:      w.now().UTC(),
	}
}

func (w *gradingWorkflow) snapshotLocked() dto.WorkflowStateResponse {
	state := dto.WorkflowStateResponse{
		Upload: dto.UploadStatusResponse{
			InProgress: w.uploading,
			Progress:   w.uploadProgress,
		},
		Models:         append([]models.ModelDescriptor{}, w.catalog...),
		CanSubmit:      w.file != nil && w.file.HasResponseColumn && !w.uploading && (w.job == nil || !w.job.State.IsActive()),
		Results:        dto.NewResultRowResponseSlice(window(w.results, w.deps.DisplayLimit)),
		ResultCount:    len(w.results),
		ResultsJobID:   w.resultsJobID,
		ResultsFetched: w.resultsCurrentLocked(),
		UpdatedAt:      w.updatedAt,
	}
	if w.file != nil {
		file := *w.file
		state.Upload.File = &file
	}
	if w.job != nil {
		downloadURL := ""
		if w.deps.Downloads != nil {
			downloadURL = w.deps.Downloads.URL(w.job.OutputURL)
		}
		job := dto.NewJobStatusResponse(*w.job, downloadURL)
		state.Job = &job
	}
	if w.lastError != nil {
		notification := *w.lastError
		state.LastError = &notification
	}
	return state
}

func window(rows []models.GradingResultRow, limit int) []models.GradingResultRow {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// UserMessage returns the message an operator should see for err, preferring the server supplied
// message carried by typed workflow errors.
func UserMessage(err error) string {
	var (
		uploadErr     *UploadError
		submissionErr *SubmissionError
		resultErr     *ResultFetchError
		apiErr        *gradingapi.APIError
	)
	switch {
	case errors.As(err, &uploadErr):
		return uploadErr.Message
	case errors.As(err, &submissionErr):
		return submissionErr.Message
	case errors.As(err, &resultErr):
		return resultErr.Message
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	default:
		return err.Error()
	}
}
