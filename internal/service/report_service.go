package service

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
)

// gradeBands lists the letter grades with their lower bound in percent, best first.
var gradeBands = []struct {
	label string
	floor float64
}{
	{label: "A (90-100)", floor: 90},
	{label: "B (80-89)", floor: 80},
	{label: "C (70-79)", floor: 70},
	{label: "D (60-69)", floor: 60},
	{label: "F (<60)", floor: 0},
}

// ReportService summarises a graded result set.
type ReportService interface {
	Build(jobID string, rows []models.GradingResultRow) dto.ReportResponse
}

type reportService struct {
	scale float64
	now   func() time.Time
}

// NewReportService constructs the report builder. scale is the maximum total score.
func NewReportService(scale float64) ReportService {
	if scale <= 0 {
		scale = 100
	}
	return &reportService{scale: scale, now: time.Now}
}

func (s *reportService) Build(jobID string, rows []models.GradingResultRow) dto.ReportResponse {
	report := dto.ReportResponse{
		JobID:             jobID,
		ResultCount:       len(rows),
		ScoreScale:        s.scale,
		CriterionAverages: make([]float64, models.CriteriaCount),
		GradeDistribution: make([]dto.GradeBucketResponse, len(gradeBands)),
		GeneratedAt:       s.now().UTC(),
	}
	for i, band := range gradeBands {
		report.GradeDistribution[i] = dto.GradeBucketResponse{Label: band.label}
	}
	if len(rows) == 0 {
		return report
	}

	var sum float64
	criterionSums := make([]float64, models.CriteriaCount)
	report.HighestScore = rows[0].TotalScore
	report.LowestScore = rows[0].TotalScore

	for _, row := range rows {
		sum += row.TotalScore
		if row.TotalScore > report.HighestScore {
			report.HighestScore = row.TotalScore
		}
		if row.TotalScore < report.LowestScore {
			report.LowestScore = row.TotalScore
		}
		for i, criterion := range row.Criteria {
			criterionSums[i] += criterion.Score
		}

		percent := row.TotalScore / s.scale * 100
		for i, band := range gradeBands {
			if percent >= band.floor || i == len(gradeBands)-1 {
				report.GradeDistribution[i].Count++
				break
			}
		}
	}

	count := float64(len(rows))
	report.AverageScore = sum / count
	for i := range criterionSums {
		report.CriterionAverages[i] = criterionSums[i] / count
	}
	return report
}
