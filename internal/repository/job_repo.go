package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrJobRecordNotFound indicates no persisted job matches the id.
var ErrJobRecordNotFound = errors.New("job record not found")

// JobRepository persists grading jobs and their result rows.
type JobRepository interface {
	Save(ctx context.Context, record *models.JobRecord) error
	ReplaceResults(ctx context.Context, jobID string, rows []models.ResultRecord) error
	SetArchiveURL(ctx context.Context, jobID, archiveURL string) error
	FindByJobID(ctx context.Context, jobID string) (models.JobRecord, error)
	List(ctx context.Context, limit int) ([]models.JobRecord, error)
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository constructs a repository for job records.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

// Save inserts the record or updates the row with the same job id.
func (r *jobRepository) Save(ctx context.Context, record *models.JobRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.JobRecord
		err := tx.Select("id", "created_at", "archive_url").Where("job_id = ?", record.JobID).First(&existing).Error
		switch {
		case err == nil:
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
			if record.ArchiveURL == "" {
				record.ArchiveURL = existing.ArchiveURL
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Omit(clause.Associations).Save(record).Error
	})
}

func (r *jobRepository) ReplaceResults(ctx context.Context, jobID string, rows []models.ResultRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.JobRecord
		if err := tx.Select("id").Where("job_id = ?", jobID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobRecordNotFound
			}
			return err
		}

		if err := tx.Where("job_record_id = ?", record.ID).Delete(&models.ResultRecord{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for i := range rows {
			rows[i].ID = 0
			rows[i].JobRecordID = record.ID
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func (r *jobRepository) SetArchiveURL(ctx context.Context, jobID, archiveURL string) error {
	result := r.db.WithContext(ctx).Model(&models.JobRecord{}).Where("job_id = ?", jobID).Update("archive_url", archiveURL)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobRecordNotFound
	}
	return nil
}

func (r *jobRepository) FindByJobID(ctx context.Context, jobID string) (models.JobRecord, error) {
	var record models.JobRecord
	err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("job_id = ?", jobID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.JobRecord{}, ErrJobRecordNotFound
	}
	return record, err
}

func (r *jobRepository) List(ctx context.Context, limit int) ([]models.JobRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var records []models.JobRecord
	err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Select("id", "job_record_id") }).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
