package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func setupJobDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.JobRecord{}, &models.ResultRecord{}))
	return db
}

func TestJobRepositorySaveUpsertsByJobID(t *testing.T) {
	repo := NewJobRepository(setupJobDB(t))
	ctx := context.Background()

	job := models.GradingJob{ID: "job1", Model: "llama3.1:latest", FilePath: "/uploads/essays.csv", State: models.JobStatePolling, Total: 50, StartedAt: time.Now()}
	file := models.UploadedFile{Name: "essays.csv", Columns: []string{"student_id", "response"}}

	first := models.NewJobRecord(job, file)
	require.NoError(t, repo.Save(ctx, &first))
	require.NotZero(t, first.ID)

	job.Complete("/out/job1.xlsx", time.Now())
	second := models.NewJobRecord(job, file)
	require.NoError(t, repo.Save(ctx, &second))
	require.Equal(t, first.ID, second.ID)

	stored, err := repo.FindByJobID(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, string(models.JobStateComplete), stored.State)
	require.Equal(t, 50, stored.Processed)
	require.Equal(t, "/out/job1.xlsx", stored.OutputURL)
	require.NotNil(t, stored.CompletedAt)
}

func TestJobRepositoryReplaceResults(t *testing.T) {
	repo := NewJobRepository(setupJobDB(t))
	ctx := context.Background()

	record := models.NewJobRecord(models.GradingJob{ID: "job2", Model: "m", State: models.JobStateComplete, StartedAt: time.Now()}, models.UploadedFile{})
	require.NoError(t, repo.Save(ctx, &record))

	rows := []models.ResultRecord{
		models.NewResultRecord(models.GradingResultRow{StudentID: "S-1", TotalScore: 80}),
		models.NewResultRecord(models.GradingResultRow{StudentID: "S-2", TotalScore: 65}),
	}
	require.NoError(t, repo.ReplaceResults(ctx, "job2", rows))
	require.NoError(t, repo.ReplaceResults(ctx, "job2", rows[:1]))

	stored, err := repo.FindByJobID(ctx, "job2")
	require.NoError(t, err)
	require.Len(t, stored.Results, 1)
	require.Equal(t, "S-1", stored.Results[0].StudentID)

	require.ErrorIs(t, repo.ReplaceResults(ctx, "missing", rows), ErrJobRecordNotFound)
}

func TestJobRepositoryListNewestFirst(t *testing.T) {
	repo := NewJobRepository(setupJobDB(t))
	ctx := context.Background()

	older := models.NewJobRecord(models.GradingJob{ID: "old", Model: "m", State: models.JobStateFailed, StartedAt: time.Now().Add(-time.Hour)}, models.UploadedFile{})
	newer := models.NewJobRecord(models.GradingJob{ID: "new", Model: "m", State: models.JobStateComplete, StartedAt: time.Now()}, models.UploadedFile{})
	require.NoError(t, repo.Save(ctx, &older))
	require.NoError(t, repo.Save(ctx, &newer))
	require.NoError(t, repo.SetArchiveURL(ctx, "new", "https://res.cloudinary.com/demo/raw/upload/new.xlsx"))

	records, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "new", records[0].JobID, "expected newest job first")
	require.Equal(t, "https://res.cloudinary.com/demo/raw/upload/new.xlsx", records[0].ArchiveURL)

	require.ErrorIs(t, repo.SetArchiveURL(ctx, "missing", "x"), ErrJobRecordNotFound)
}
