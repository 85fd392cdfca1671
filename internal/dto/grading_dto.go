package dto

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

const (
	// DefaultPreviewStudentID replaces a missing preview student id.
	DefaultPreviewStudentID = "Unknown"
	// DefaultPreviewExcerpt replaces a missing preview excerpt.
	DefaultPreviewExcerpt = "No content"
	// DefaultResultStudentID replaces a missing result student id.
	DefaultResultStudentID = "Unknown"
)

// ErrFileInfoMissing indicates an upload response without a fileInfo object.
var ErrFileInfoMissing = errors.New("upload response is missing fileInfo")

var boundaryValidator = validator.New(validator.WithRequiredStructEnabled())

// fileInfoRequired captures the fields a usable upload response must carry.
type fileInfoRequired struct {
	Name string `validate:"required"`
	Path string `validate:"required"`
}

// NewUploadedFile validates a server file description and fills every optional field with its
// default. The name and path are required.
func NewUploadedFile(info *gradingapi.FileInfo) (models.UploadedFile, error) {
	if info == nil {
		return models.UploadedFile{}, ErrFileInfoMissing
	}

	required := fileInfoRequired{
		Name: info.Name.String(""),
		Path: info.Path.String(""),
	}
	if err := boundaryValidator.Struct(required); err != nil {
		return models.UploadedFile{}, err
	}

	rowCount := info.RowCount.Int(0)
	if rowCount < 0 {
		rowCount = 0
	}

	columns := append(make([]string, 0, len(info.Columns)), info.Columns...)

	file := models.UploadedFile{
		Name:              required.Name,
		Path:              required.Path,
		RowCount:          rowCount,
		HasResponseColumn: info.HasResponseColumn.Bool(false),
		Columns:           columns,
	}

	if info.PreviewData != nil {
		file.Preview = make([]models.PreviewRow, 0, len(info.PreviewData))
		for _, entry := range info.PreviewData {
			file.Preview = append(file.Preview, NewPreviewRow(entry))
		}
	}

	return file, nil
}

// NewPreviewRow maps one preview entry, defaulting missing fields.
func NewPreviewRow(entry gradingapi.PreviewEntry) models.PreviewRow {
	wordCount := entry.WordCount.Int(0)
	if wordCount < 0 {
		wordCount = 0
	}
	return models.PreviewRow{
		StudentID: entry.StudentID.String(DefaultPreviewStudentID),
		Excerpt:   entry.Excerpt.String(DefaultPreviewExcerpt),
		WordCount: wordCount,
	}
}

// NewModelDescriptors maps the model listing, skipping unnamed entries.
func NewModelDescriptors(listed []gradingapi.Model) []models.ModelDescriptor {
	descriptors := make([]models.ModelDescriptor, 0, len(listed))
	for _, model := range listed {
		name := model.Name.String("")
		if name == "" {
			continue
		}
		descriptors = append(descriptors, models.ModelDescriptor{
			Name:    name,
			Version: model.Version.String(""),
			Size:    model.Size.String(""),
		})
	}
	return descriptors
}

// NewGradingResultRow maps a raw graded record. Scores default to 0, feedback to "".
func NewGradingResultRow(record gradingapi.ResultRecord) models.GradingResultRow {
	row := models.GradingResultRow{
		StudentID:  record.StudentID.String(DefaultResultStudentID),
		TotalScore: record.TotalScore.Float(0),
	}

	scores := [models.CriteriaCount]gradingapi.OptionalFloat{
		record.Feedback1Score, record.Feedback2Score, record.Feedback3Score, record.Feedback4Score,
	}
	feedback := [models.CriteriaCount]gradingapi.OptionalString{
		record.Feedback1Text, record.Feedback2Text, record.Feedback3Text, record.Feedback4Text,
	}
	for i := 0; i < models.CriteriaCount; i++ {
		row.Criteria[i] = models.CriterionScore{
			Score:    scores[i].Float(0),
			Feedback: strings.TrimSpace(feedback[i].Value),
		}
	}

	return row
}

// NewGradingResultRows maps every raw record of a result set.
func NewGradingResultRows(records []gradingapi.ResultRecord) []models.GradingResultRow {
	rows := make([]models.GradingResultRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, NewGradingResultRow(record))
	}
	return rows
}
