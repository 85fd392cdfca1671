package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

type resultAPIStub struct {
	response gradingapi.ResultsResponse
	err      error
}

func (r resultAPIStub) GradingResults(ctx context.Context, jobID string) (gradingapi.ResultsResponse, error) {
	return r.response, r.err
}

func TestResultServiceFetch(t *testing.T) {
	svc := NewResultService(resultAPIStub{response: gradingapi.ResultsResponse{
		Success: true,
		Results: []gradingapi.ResultRecord{
			{
				StudentID:      gradingapi.OptionalString{Value: "S-1", Valid: true},
				Feedback1Score: gradingapi.OptionalFloat{Value: 9, Valid: true},
				TotalScore:     gradingapi.OptionalFloat{Value: 88, Valid: true},
			},
			{},
		},
	}}, testLogger())

	rows, err := svc.Fetch(context.Background(), "job1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "S-1", rows[0].StudentID)
	require.Equal(t, 9.0, rows[0].Criteria[0].Score)
	require.Equal(t, 88.0, rows[0].TotalScore)
}

func TestResultServiceEmptyListIsNotAnError(t *testing.T) {
	svc := NewResultService(resultAPIStub{response: gradingapi.ResultsResponse{Success: true, Results: []gradingapi.ResultRecord{}}}, testLogger())

	rows, err := svc.Fetch(context.Background(), "job1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestResultServiceMissingResults(t *testing.T) {
	svc := NewResultService(resultAPIStub{response: gradingapi.ResultsResponse{Success: false, Message: "Job not found"}}, testLogger())

	_, err := svc.Fetch(context.Background(), "job9")
	var fetchErr *ResultFetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "job9", fetchErr.JobID)
	require.Equal(t, "Job not found", fetchErr.Message)

	svc = NewResultService(resultAPIStub{}, testLogger())
	_, err = svc.Fetch(context.Background(), "job9")
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "Grading results are missing from the response", fetchErr.Message)
}

func TestResultServiceTransportError(t *testing.T) {
	cause := &gradingapi.APIError{StatusCode: http.StatusInternalServerError, Message: "Results not ready"}
	svc := NewResultService(resultAPIStub{err: cause}, testLogger())

	_, err := svc.Fetch(context.Background(), "job1")
	var fetchErr *ResultFetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "Results not ready", fetchErr.Message)
	require.True(t, errors.Is(err, cause))

	svc = NewResultService(resultAPIStub{err: errors.New("dial tcp: refused")}, testLogger())
	_, err = svc.Fetch(context.Background(), "job1")
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, defaultResultsMessage, fetchErr.Message)
}
