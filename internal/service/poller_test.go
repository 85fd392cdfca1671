package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

type statusStub struct {
	mu        sync.Mutex
	responses []statusReply
	calls     int
}

type statusReply struct {
	response gradingapi.StatusResponse
	err      error
}

func (s *statusStub) GradingStatus(ctx context.Context, jobID string) (gradingapi.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	next := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return next.response, next.err
}

func (s *statusStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(value string, progress float64) statusReply {
	return statusReply{response: gradingapi.StatusResponse{
		Status:   value,
		Progress: gradingapi.OptionalFloat{Value: progress, Valid: true},
	}}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []PollEvent
}

func (r *eventRecorder) apply(event PollEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *eventRecorder) snapshot() []PollEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PollEvent(nil), r.events...)
}

func TestPollerStopsAfterComplete(t *testing.T) {
	api := &statusStub{responses: []statusReply{
		status("processing", 4),
		{response: gradingapi.StatusResponse{Status: "complete", OutputURL: gradingapi.OptionalString{Value: "/out/job1.xlsx", Valid: true}}},
		status("processing", 99),
	}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond}, testLogger())
	recorder := &eventRecorder{}

	handle := poller.Start(context.Background(), "job1", recorder.apply)
	handle.Wait()

	events := recorder.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, PollProgress, events[0].Kind)
	require.Equal(t, 4, events[0].Progress)
	require.Equal(t, PollComplete, events[1].Kind)
	require.Equal(t, "/out/job1.xlsx", events[1].OutputURL)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 2, api.callCount())
	require.Zero(t, poller.Active())
	require.Equal(t, "job1", handle.JobID())
}

func TestPollerHandleStopIsIdempotent(t *testing.T) {
	api := &statusStub{responses: []statusReply{status("processing", 1)}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond}, testLogger())

	handle := poller.Start(context.Background(), "job1", func(PollEvent) bool { return true })
	require.Equal(t, 1, poller.Active())

	handle.Stop()
	handle.Stop()
	handle.Wait()
	require.Zero(t, poller.Active())

	calls := api.callCount()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, api.callCount())

	var nilHandle *PollerHandle
	nilHandle.Stop()
	nilHandle.Wait()
}

func TestPollerEndsWhenApplyDeclines(t *testing.T) {
	api := &statusStub{responses: []statusReply{status("processing", 1)}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond}, testLogger())

	handle := poller.Start(context.Background(), "job1", func(PollEvent) bool { return false })
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	require.Equal(t, 1, api.callCount())
}

func TestPollerIgnoresCheckFailuresUntilLimit(t *testing.T) {
	api := &statusStub{responses: []statusReply{
		{err: errors.New("connection refused")},
		{response: gradingapi.StatusResponse{Status: "mystery"}},
		status("processing", 7),
		{err: &gradingapi.APIError{StatusCode: 502, Message: "bad gateway"}},
	}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond, MaxErrors: 3}, testLogger())
	recorder := &eventRecorder{}

	handle := poller.Start(context.Background(), "job1", recorder.apply)
	handle.Wait()

	events := recorder.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, PollProgress, events[0].Kind)
	require.Equal(t, PollFailed, events[1].Kind)
	require.ErrorIs(t, events[1].Err, ErrPollErrorLimit)
	// Two failures, a success that resets the count, then three failures.
	require.Equal(t, 6, api.callCount())
}

func TestPollerTimeout(t *testing.T) {
	api := &statusStub{responses: []statusReply{status("processing", 1)}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond, Timeout: 25 * time.Millisecond}, testLogger())
	recorder := &eventRecorder{}

	handle := poller.Start(context.Background(), "job1", recorder.apply)
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("poller ignored its deadline")
	}

	events := recorder.snapshot()
	last := events[len(events)-1]
	require.Equal(t, PollFailed, last.Kind)
	require.ErrorIs(t, last.Err, ErrPollTimeout)
}

func TestPollerStopsWithContext(t *testing.T) {
	api := &statusStub{responses: []statusReply{status("processing", 1)}}
	poller := NewPoller(api, PollerConfig{Interval: 5 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	handle := poller.Start(ctx, "job1", func(PollEvent) bool { return true })
	cancel()
	handle.Wait()
	require.Zero(t, poller.Active())
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name     string
		response gradingapi.StatusResponse
		err      error
		kind     PollEventKind
	}{
		{name: "processing without progress", response: gradingapi.StatusResponse{Status: "processing"}, kind: PollProgress},
		{name: "complete", response: gradingapi.StatusResponse{Status: "Complete"}, kind: PollComplete},
		{name: "failed", response: gradingapi.StatusResponse{Status: "failed"}, kind: PollFailed},
		{name: "error", response: gradingapi.StatusResponse{Status: "error", Message: "out of memory"}, kind: PollFailed},
		{name: "unknown", response: gradingapi.StatusResponse{Status: "queued"}, kind: PollCheckFailed},
		{name: "transport", err: errors.New("timeout"), kind: PollCheckFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := ClassifyStatus("job1", tc.response, tc.err)
			require.Equal(t, tc.kind, event.Kind)
			if tc.kind == PollCheckFailed {
				var statusErr *StatusCheckError
				require.ErrorAs(t, event.Err, &statusErr)
				require.Equal(t, "job1", statusErr.JobID)
			}
		})
	}

	event := ClassifyStatus("job1", gradingapi.StatusResponse{Status: "processing"}, nil)
	require.False(t, event.HasProgress)

	event = ClassifyStatus("job1", gradingapi.StatusResponse{Status: "error", Message: "out of memory"}, nil)
	require.Equal(t, "out of memory", event.Message)

	event = ClassifyStatus("job1", gradingapi.StatusResponse{Status: "failed"}, nil)
	require.Equal(t, "Grading failed", event.Message)
}
