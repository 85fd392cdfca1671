package service

import (
	"errors"
	"fmt"

	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

var (
	// ErrUploadEmpty indicates an empty spreadsheet.
	ErrUploadEmpty = errors.New("file is empty")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the file is not a spreadsheet.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrNoUploadedFile indicates a job was requested before any upload succeeded.
	ErrNoUploadedFile = errors.New("no uploaded file")
	// ErrResponseColumnMissing indicates the uploaded file has no response column to grade.
	ErrResponseColumnMissing = errors.New("uploaded file has no response column")
	// ErrModelRequired indicates a job was requested without a model.
	ErrModelRequired = errors.New("model is required")
	// ErrJobInProgress indicates a job is already being submitted or polled.
	ErrJobInProgress = errors.New("a grading job is already in progress")
	// ErrNoCompletedJob indicates results were requested before a job completed.
	ErrNoCompletedJob = errors.New("no completed grading job")
	// ErrPollTimeout indicates the job exceeded the polling deadline.
	ErrPollTimeout = errors.New("grading job did not finish before the polling deadline")
	// ErrPollErrorLimit indicates too many consecutive status checks failed.
	ErrPollErrorLimit = errors.New("too many consecutive status check failures")
	// ErrModelCatalogUnavailable indicates the model listing could not be loaded.
	ErrModelCatalogUnavailable = errors.New("model catalog unavailable")
	// ErrWorkflowClosed indicates the workflow has been shut down.
	ErrWorkflowClosed = errors.New("grading workflow closed")
)

const (
	defaultUploadMessage     = "Failed to upload file"
	defaultSubmissionMessage = "Failed to start grading"
	defaultStatusMessage     = "Failed to check grading status"
	defaultResultsMessage    = "Failed to fetch grading results"
)

// UploadError is returned when the grading API rejects or fails an upload.
type UploadError struct {
	Message string
	Err     error
}

func (e *UploadError) Error() string { return "upload failed: " + e.Message }

// Unwrap returns the underlying cause.
func (e *UploadError) Unwrap() error { return e.Err }

// SubmissionError is returned when a grading job could not be started.
type SubmissionError struct {
	Message string
	Err     error
}

func (e *SubmissionError) Error() string { return "job submission failed: " + e.Message }

// Unwrap returns the underlying cause.
func (e *SubmissionError) Unwrap() error { return e.Err }

// StatusCheckError describes one failed poll. It is logged and retried, never surfaced.
type StatusCheckError struct {
	JobID   string
	Message string
	Err     error
}

func (e *StatusCheckError) Error() string {
	return fmt.Sprintf("status check for job %s failed: %s", e.JobID, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StatusCheckError) Unwrap() error { return e.Err }

// ResultFetchError is returned when graded results could not be retrieved.
type ResultFetchError struct {
	JobID   string
	Message string
	Err     error
}

func (e *ResultFetchError) Error() string {
	return fmt.Sprintf("fetching results of job %s failed: %s", e.JobID, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ResultFetchError) Unwrap() error { return e.Err }

// messageFor extracts the server message of an API error, falling back to def.
func messageFor(err error, def string) string {
	var apiErr *gradingapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return def
}
