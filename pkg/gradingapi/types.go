package gradingapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// OptionalFloat decodes a JSON number or numeric string. Any other value is treated as absent.
type OptionalFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *OptionalFloat) UnmarshalJSON(data []byte) error {
	*f = OptionalFloat{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err == nil {
		if value, err := number.Float64(); err == nil {
			f.Value, f.Valid = value, true
		}
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		if value, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			f.Value, f.Valid = value, true
		}
	}
	return nil
}

// Int returns the value truncated to an int, or fallback when absent.
func (f OptionalFloat) Int(fallback int) int {
	if !f.Valid {
		return fallback
	}
	return int(f.Value)
}

// Float returns the value, or fallback when absent.
func (f OptionalFloat) Float(fallback float64) float64 {
	if !f.Valid {
		return fallback
	}
	return f.Value
}

// OptionalString decodes a JSON string or number. Any other value is treated as absent.
type OptionalString struct {
	Value string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *OptionalString) UnmarshalJSON(data []byte) error {
	*s = OptionalString{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		s.Value, s.Valid = text, true
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err == nil {
		s.Value, s.Valid = number.String(), true
	}
	return nil
}

// String returns the trimmed value, or fallback when absent or blank.
func (s OptionalString) String(fallback string) string {
	value := strings.TrimSpace(s.Value)
	if !s.Valid || value == "" {
		return fallback
	}
	return value
}

// OptionalBool decodes a JSON boolean or a "true"/"false" string.
type OptionalBool struct {
	Value bool
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *OptionalBool) UnmarshalJSON(data []byte) error {
	*b = OptionalBool{}
	trimmed := bytes.TrimSpace(data)

	var value bool
	if err := json.Unmarshal(trimmed, &value); err == nil {
		b.Value, b.Valid = value, true
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(text)); err == nil {
			b.Value, b.Valid = parsed, true
		}
	}
	return nil
}

// Bool returns the value, or fallback when absent.
func (b OptionalBool) Bool(fallback bool) bool {
	if !b.Valid {
		return fallback
	}
	return b.Value
}

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PreviewEntry is one row of the upload preview sample.
type PreviewEntry struct {
	StudentID OptionalString `json:"student_id"`
	Excerpt   OptionalString `json:"excerpt"`
	WordCount OptionalFloat  `json:"word_count"`
}

// FileInfo describes an uploaded spreadsheet as reported by the server.
type FileInfo struct {
	Name              OptionalString `json:"name"`
	Path              OptionalString `json:"path"`
	RowCount          OptionalFloat  `json:"rowCount"`
	HasResponseColumn OptionalBool   `json:"hasResponseColumn"`
	Columns           []string       `json:"columns"`
	PreviewData       []PreviewEntry `json:"previewData"`
}

// UploadResponse is returned by POST /api/upload-essays.
type UploadResponse struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	FileInfo *FileInfo `json:"fileInfo"`
}

// Model is one entry of GET /list-models.
type Model struct {
	Name    OptionalString `json:"name"`
	Version OptionalString `json:"version"`
	Size    OptionalString `json:"size"`
}

// ModelsResponse is returned by GET /list-models.
type ModelsResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Models  []Model `json:"models"`
}

// GradeRequest starts a grading job.
type GradeRequest struct {
	FilePath string `json:"filePath" validate:"required"`
	Model    string `json:"model" validate:"required"`
}

// GradeResponse is returned by POST /api/grade-essays.
type GradeResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	JobID   OptionalString `json:"jobId"`
}

// StatusResponse is returned by GET /api/grading-status/:jobId.
type StatusResponse struct {
	Status    string         `json:"status"`
	Progress  OptionalFloat  `json:"progress"`
	OutputURL OptionalString `json:"outputUrl"`
	Message   string         `json:"message"`
}

// ResultRecord is one graded row of GET /api/grading-results/:jobId.
type ResultRecord struct {
	StudentID      OptionalString `json:"student_id"`
	Feedback1Score OptionalFloat  `json:"feedback_1_score"`
	Feedback1Text  OptionalString `json:"feedback_1_feedback"`
	Feedback2Score OptionalFloat  `json:"feedback_2_score"`
	Feedback2Text  OptionalString `json:"feedback_2_feedback"`
	Feedback3Score OptionalFloat  `json:"feedback_3_score"`
	Feedback3Text  OptionalString `json:"feedback_3_feedback"`
	Feedback4Score OptionalFloat  `json:"feedback_4_score"`
	Feedback4Text  OptionalString `json:"feedback_4_feedback"`
	TotalScore     OptionalFloat  `json:"total_score"`
}

// ResultsResponse is returned by GET /api/grading-results/:jobId. A nil Results slice means the
// field was absent.
type ResultsResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Results []ResultRecord `json:"results"`
}
