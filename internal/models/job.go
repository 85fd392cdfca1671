package models

import "time"

// JobState enumerates the lifecycle states of a grading job.
type JobState string

const (
	// JobStateIdle indicates no job has been started.
	JobStateIdle JobState = "idle"
	// JobStateSubmitting indicates the start request is in flight.
	JobStateSubmitting JobState = "submitting"
	// JobStatePolling indicates the job is running remotely and being polled.
	JobStatePolling JobState = "polling"
	// JobStateComplete indicates the grading API reported completion.
	JobStateComplete JobState = "complete"
	// JobStateFailed indicates the job failed remotely or exceeded the polling bounds.
	JobStateFailed JobState = "failed"
	// JobStateCancelled indicates polling was stopped locally.
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateComplete, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job is being started or polled.
func (s JobState) IsActive() bool {
	return s == JobStateSubmitting || s == JobStatePolling
}

// GradingJob tracks a remote grading job.
type GradingJob struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	FilePath    string     `json:"file_path"`
	State       JobState   `json:"state"`
	Processed   int        `json:"processed"`
	Total       int        `json:"total"`
	OutputURL   string     `json:"output_url,omitempty"`
	Failure     string     `json:"failure,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsComplete reports whether the job finished successfully.
func (j GradingJob) IsComplete() bool {
	return j.State == JobStateComplete
}

// ApplyProgress raises the processed counter, never lowering it.
func (j *GradingJob) ApplyProgress(progress int) {
	if j.Total > 0 && progress > j.Total {
		progress = j.Total
	}
	if progress > j.Processed {
		j.Processed = progress
	}
}

// Complete marks the job finished with its output artifact location.
func (j *GradingJob) Complete(outputURL string, at time.Time) {
	j.State = JobStateComplete
	// An unknown total adopts the last reported progress.
	if j.Total < j.Processed {
		j.Total = j.Processed
	}
	j.Processed = j.Total
	j.OutputURL = outputURL
	j.CompletedAt = &at
}

// Fail marks the job failed with a reason.
func (j *GradingJob) Fail(reason string, at time.Time) {
	j.State = JobStateFailed
	j.Failure = reason
	j.CompletedAt = &at
}
