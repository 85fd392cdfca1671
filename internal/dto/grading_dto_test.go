package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

func decodeUpload(t *testing.T, body string) gradingapi.UploadResponse {
	t.Helper()
	var response gradingapi.UploadResponse
	require.NoError(t, json.Unmarshal([]byte(body), &response))
	return response
}

func TestNewUploadedFileDefaultsOptionalFields(t *testing.T) {
	response := decodeUpload(t, `{"success":true,"fileInfo":{"name":"essays.csv","path":"/uploads/essays.csv"}}`)

	file, err := NewUploadedFile(response.FileInfo)
	require.NoError(t, err)
	require.Equal(t, "essays.csv", file.Name)
	require.Equal(t, "/uploads/essays.csv", file.Path)
	require.Zero(t, file.RowCount)
	require.False(t, file.HasResponseColumn)
	require.NotNil(t, file.Columns)
	require.Empty(t, file.Columns)
	require.Nil(t, file.Preview)
}

func TestNewUploadedFileKeepsServerCounts(t *testing.T) {
	response := decodeUpload(t, `{"success":true,"fileInfo":{
		"name":"essays.xlsx","path":"uploads/essays.xlsx","rowCount":50,"hasResponseColumn":true,
		"columns":["student_id","response"],
		"previewData":[
			{"student_id":"S-1","excerpt":"Recursion is...","word_count":120},
			{"student_id":1234},
			{}
		]}}`)

	file, err := NewUploadedFile(response.FileInfo)
	require.NoError(t, err)
	require.Equal(t, 50, file.RowCount)
	require.True(t, file.HasResponseColumn)
	require.Equal(t, []string{"student_id", "response"}, file.Columns)
	require.Equal(t, []models.PreviewRow{
		{StudentID: "S-1", Excerpt: "Recursion is...", WordCount: 120},
		{StudentID: "1234", Excerpt: DefaultPreviewExcerpt, WordCount: 0},
		{StudentID: DefaultPreviewStudentID, Excerpt: DefaultPreviewExcerpt, WordCount: 0},
	}, file.Preview)
}

func TestNewUploadedFileToleratesLooseTypes(t *testing.T) {
	response := decodeUpload(t, `{"fileInfo":{"name":"a.csv","path":"p","rowCount":"12","hasResponseColumn":"true","previewData":[{"word_count":"abc"}]}}`)

	file, err := NewUploadedFile(response.FileInfo)
	require.NoError(t, err)
	require.Equal(t, 12, file.RowCount)
	require.True(t, file.HasResponseColumn)
	require.Zero(t, file.Preview[0].WordCount)
}

func TestNewUploadedFileRequiresNameAndPath(t *testing.T) {
	_, err := NewUploadedFile(nil)
	require.ErrorIs(t, err, ErrFileInfoMissing)

	response := decodeUpload(t, `{"fileInfo":{"name":"essays.csv","path":"  "}}`)
	_, err = NewUploadedFile(response.FileInfo)
	require.Error(t, err)
}

func TestNewGradingResultRowDefaults(t *testing.T) {
	var response gradingapi.ResultsResponse
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"results":[
		{"student_id":"S-1","feedback_1_score":8,"feedback_1_feedback":"Clear","feedback_3_score":"6.5","total_score":82},
		{}
	]}`), &response))

	rows := NewGradingResultRows(response.Results)
	require.Len(t, rows, 2)

	first := rows[0]
	require.Equal(t, "S-1", first.StudentID)
	require.Equal(t, 8.0, first.Criteria[0].Score)
	require.Equal(t, "Clear", first.Criteria[0].Feedback)
	require.Zero(t, first.Criteria[1].Score)
	require.Empty(t, first.Criteria[1].Feedback)
	require.Equal(t, 6.5, first.Criteria[2].Score)
	require.Equal(t, 82.0, first.TotalScore)

	second := rows[1]
	require.Equal(t, DefaultResultStudentID, second.StudentID)
	for _, criterion := range second.Criteria {
		require.Zero(t, criterion.Score)
		require.Empty(t, criterion.Feedback)
	}
	require.Zero(t, second.TotalScore)
}

func TestNewModelDescriptorsSkipsUnnamed(t *testing.T) {
	var response gradingapi.ModelsResponse
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"models":[
		{"name":"llama3.1:latest","version":"3.1","size":"4.7GB"},
		{"version":"x"}
	]}`), &response))

	descriptors := NewModelDescriptors(response.Models)
	require.Equal(t, []models.ModelDescriptor{{Name: "llama3.1:latest", Version: "3.1", Size: "4.7GB"}}, descriptors)
}

func TestNewResultRowResponseSanitisesFeedback(t *testing.T) {
	row := models.GradingResultRow{StudentID: "S-1", TotalScore: 90}
	row.Criteria[0] = models.CriterionScore{Score: 9, Feedback: "<b>Strong</b> analysis<script>alert(1)</script>"}

	response := NewResultRowResponse(row)
	require.Len(t, response.Criteria, models.CriteriaCount)
	require.Equal(t, 1, response.Criteria[0].Criterion)
	require.Equal(t, "Strong analysis", response.Criteria[0].Feedback)
}

func TestNewJobStatusResponsePercent(t *testing.T) {
	job := models.GradingJob{ID: "job1", State: models.JobStatePolling, Processed: 10, Total: 50}

	response := NewJobStatusResponse(job, "http://localhost:3001/out/job1.xlsx")
	require.Equal(t, 20, response.Percent)
	require.True(t, response.IsGenerating)
	require.False(t, response.IsComplete)
	require.Empty(t, response.DownloadURL)
}
