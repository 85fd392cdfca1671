package models

// CriteriaCount is the number of scored rubric criteria reported per graded submission.
const CriteriaCount = 4

// PreviewRow is a read-only excerpt of one submission row in an uploaded spreadsheet.
type PreviewRow struct {
	StudentID string `json:"student_id"`
	Excerpt   string `json:"excerpt"`
	WordCount int    `json:"word_count"`
}

// UploadedFile describes the spreadsheet accepted by the grading API.
type UploadedFile struct {
	Name              string       `json:"name"`
	Path              string       `json:"path"`
	RowCount          int          `json:"row_count"`
	HasResponseColumn bool         `json:"has_response_column"`
	Columns           []string     `json:"columns"`
	Preview           []PreviewRow `json:"preview,omitempty"`
}

// ModelDescriptor names a grading backend offered by the grading API.
type ModelDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    string `json:"size"`
}

// CriterionScore holds the score and feedback of one rubric criterion.
type CriterionScore struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// GradingResultRow is the graded outcome of a single submission.
type GradingResultRow struct {
	StudentID  string                        `json:"student_id"`
	Criteria   [CriteriaCount]CriterionScore `json:"criteria"`
	TotalScore float64                       `json:"total_score"`
}
