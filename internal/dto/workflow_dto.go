package dto

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/gema-grader/internal/models"
)

var textPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup from server supplied text before it is shown to instructors.
func SanitizeText(input string) string {
	return strings.TrimSpace(textPolicy.Sanitize(input))
}

// JobSubmitRequest starts a grading job for the current upload.
type JobSubmitRequest struct {
	Model string `json:"model" validate:"required,max=128"`
}

// UploadStatusResponse describes the upload slot of the workflow.
type UploadStatusResponse struct {
	InProgress bool                 `json:"in_progress"`
	Progress   int                  `json:"progress"`
	File       *models.UploadedFile `json:"file"`
}

// JobStatusResponse describes the current grading job.
type JobStatusResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	FilePath     string     `json:"file_path"`
	State        string     `json:"state"`
	Processed    int        `json:"processed"`
	Total        int        `json:"total"`
	Percent      int        `json:"percent"`
	IsGenerating bool       `json:"is_generating"`
	IsComplete   bool       `json:"is_complete"`
	OutputURL    string     `json:"output_url,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	Failure      string     `json:"failure,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewJobStatusResponse converts a job into its console representation.
func NewJobStatusResponse(job models.GradingJob, downloadURL string) JobStatusResponse {
	percent := 0
	if job.Total > 0 {
		percent = job.Processed * 100 / job.Total
	}
	if job.IsComplete() {
		percent = 100
	}

	response := JobStatusResponse{
		ID:           job.ID,
		Model:        job.Model,
		FilePath:     job.FilePath,
		State:        string(job.State),
		Processed:    job.Processed,
		Total:        job.Total,
		Percent:      percent,
		IsGenerating: job.State.IsActive(),
		IsComplete:   job.IsComplete(),
		OutputURL:    job.OutputURL,
		Failure:      SanitizeText(job.Failure),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.IsComplete() {
		response.DownloadURL = downloadURL
	}
	return response
}

// CriterionResponse is one criterion of a graded row.
type CriterionResponse struct {
	Criterion int     `json:"criterion"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// ResultRowResponse is a graded row ready for display.
type ResultRowResponse struct {
	StudentID  string              `json:"student_id"`
	Criteria   []CriterionResponse `json:"criteria"`
	TotalScore float64             `json:"total_score"`
}

// NewResultRowResponse converts a graded row, sanitising feedback text.
func NewResultRowResponse(row models.GradingResultRow) ResultRowResponse {
	criteria := make([]CriterionResponse, 0, models.CriteriaCount)
	for i, criterion := range row.Criteria {
		criteria = append(criteria, CriterionResponse{
			Criterion: i + 1,
			Score:     criterion.Score,
			Feedback:  SanitizeText(criterion.Feedback),
		})
	}
	return ResultRowResponse{
		StudentID:  SanitizeText(row.StudentID),
		Criteria:   criteria,
		TotalScore: row.TotalScore,
	}
}

// NewResultRowResponseSlice converts graded rows.
func NewResultRowResponseSlice(rows []models.GradingResultRow) []ResultRowResponse {
	responses := make([]ResultRowResponse, 0, len(rows))
	for _, row := range rows {
		responses = append(responses, NewResultRowResponse(row))
	}
	return responses
}

// ResultsResponse wraps a display window of the result set. JobID names the job the rows were
// fetched for; Current is false while they belong to an earlier job.
type ResultsResponse struct {
	JobID   string              `json:"job_id"`
	Current bool                `json:"current"`
	Total   int                 `json:"total"`
	Rows    []ResultRowResponse `json:"rows"`
}

// NotificationResponse is a transient error notification.
type NotificationResponse struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// WorkflowStateResponse is a snapshot of the whole grading workflow.
type WorkflowStateResponse struct {
	Upload         UploadStatusResponse     `json:"upload"`
	Models         []models.ModelDescriptor `json:"models"`
	Job            *JobStatusResponse       `json:"job"`
	CanSubmit      bool                     `json:"can_submit"`
	Results        []ResultRowResponse      `json:"results"`
	ResultCount    int                      `json:"result_count"`
	ResultsJobID   string                   `json:"results_job_id,omitempty"`
	ResultsFetched bool                     `json:"results_fetched"`
	LastError      *NotificationResponse    `json:"last_error,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// WorkflowEventResponse is streamed to console subscribers and published to NATS.
type WorkflowEventResponse struct {
	Type    string                `json:"type"`
	JobID   string                `json:"job_id,omitempty"`
	Message string                `json:"message,omitempty"`
	State   WorkflowStateResponse `json:"state"`
	At      time.Time             `json:"at"`
}

// GradeBucketResponse is one letter-grade bucket.
type GradeBucketResponse struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// ReportResponse summarises the graded result set.
type ReportResponse struct {
	JobID             string                `json:"job_id"`
	ResultCount       int                   `json:"result_count"`
	ScoreScale        float64               `json:"score_scale"`
	AverageScore      float64               `json:"average_score"`
	HighestScore      float64               `json:"highest_score"`
	LowestScore       float64               `json:"lowest_score"`
	CriterionAverages []float64             `json:"criterion_averages"`
	GradeDistribution []GradeBucketResponse `json:"grade_distribution"`
	GeneratedAt       time.Time             `json:"generated_at"`
}

// HistoryEntryResponse describes a persisted job.
type HistoryEntryResponse struct {
	JobID       string     `json:"job_id"`
	Model       string     `json:"model"`
	FileName    string     `json:"file_name"`
	State       string     `json:"state"`
	Processed   int        `json:"processed"`
	Total       int        `json:"total"`
	OutputURL   string     `json:"output_url"`
	ArchiveURL  string     `json:"archive_url,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	Columns     []string   `json:"columns"`
	ResultCount int        `json:"result_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewHistoryEntryResponse converts a persisted job record.
func NewHistoryEntryResponse(record models.JobRecord) HistoryEntryResponse {
	columns := []string{}
	if len(record.Columns) > 0 {
		_ = json.Unmarshal(record.Columns, &columns)
	}
	return HistoryEntryResponse{
		JobID:       record.JobID,
		Model:       record.Model,
		FileName:    record.FileName,
		State:       record.State,
		Processed:   record.Processed,
		Total:       record.Total,
		OutputURL:   record.OutputURL,
		ArchiveURL:  record.ArchiveURL,
		Failure:     SanitizeText(record.Failure),
		Columns:     columns,
		ResultCount: len(record.Results),
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
	}
}

// NewHistoryEntryResponseSlice converts persisted job records.
func NewHistoryEntryResponseSlice(records []models.JobRecord) []HistoryEntryResponse {
	responses := make([]HistoryEntryResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, NewHistoryEntryResponse(record))
	}
	return responses
}
