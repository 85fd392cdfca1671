package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// JobRecord persists a finished grading job for the console history.
type JobRecord struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	JobID       string         `gorm:"size:128;uniqueIndex;not null" json:"job_id"`
	Model       string         `gorm:"size:128;not null" json:"model"`
	FileName    string         `gorm:"size:255" json:"file_name"`
	FilePath    string         `gorm:"size:512" json:"file_path"`
	State       string         `gorm:"size:32;index;not null" json:"state"`
	Processed   int            `json:"processed"`
	Total       int            `json:"total"`
	OutputURL   string         `gorm:"size:512" json:"output_url"`
	ArchiveURL  string         `gorm:"size:512" json:"archive_url"`
	Failure     string         `gorm:"type:text" json:"failure"`
	Columns     datatypes.JSON `json:"columns"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Results     []ResultRecord `gorm:"foreignKey:JobRecordID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"results,omitempty"`
}

// ResultRecord persists one graded row of a job.
type ResultRecord struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	JobRecordID uint           `gorm:"index;not null" json:"job_record_id"`
	StudentID   string         `gorm:"size:128" json:"student_id"`
	TotalScore  float64        `json:"total_score"`
	Criteria    datatypes.JSON `json:"criteria"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewJobRecord snapshots a job and the file it grades.
func NewJobRecord(job GradingJob, file UploadedFile) JobRecord {
	columns, _ := json.Marshal(file.Columns)
	return JobRecord{
		JobID:       job.ID,
		Model:       job.Model,
		FileName:    file.Name,
		FilePath:    job.FilePath,
		State:       string(job.State),
		Processed:   job.Processed,
		Total:       job.Total,
		OutputURL:   job.OutputURL,
		Failure:     job.Failure,
		Columns:     datatypes.JSON(columns),
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// NewResultRecord converts a graded row for persistence.
func NewResultRecord(row GradingResultRow) ResultRecord {
	criteria, _ := json.Marshal(row.Criteria)
	return ResultRecord{
		StudentID:  row.StudentID,
		TotalScore: row.TotalScore,
		Criteria:   datatypes.JSON(criteria),
	}
}
