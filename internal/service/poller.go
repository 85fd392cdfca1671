package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

// StatusAPI is the part of the grading API used by the poller.
type StatusAPI interface {
	GradingStatus(ctx context.Context, jobID string) (gradingapi.StatusResponse, error)
}

// PollEventKind classifies a poll outcome.
type PollEventKind string

const (
	// PollProgress reports a job still processing.
	PollProgress PollEventKind = "progress"
	// PollComplete reports a finished job.
	PollComplete PollEventKind = "complete"
	// PollFailed reports a job that failed remotely or exceeded the polling bounds.
	PollFailed PollEventKind = "failed"
	// PollCheckFailed reports a status check that could not be interpreted.
	PollCheckFailed PollEventKind = "check_failed"
)

// PollEvent is one interpreted status response.
type PollEvent struct {
	Kind        PollEventKind
	Progress    int
	HasProgress bool
	OutputURL   string
	Message     string
	Err         error
}

// PollerConfig bounds the polling loop. A zero Timeout or MaxErrors disables that bound.
type PollerConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxErrors int
}

// Poller runs one fixed-delay status loop per job.
type Poller struct {
	api    StatusAPI
	cfg    PollerConfig
	logger zerolog.Logger
	tracer trace.Tracer
	active atomic.Int64
	now    func() time.Time
}

// NewPoller constructs a poller.
func NewPoller(api StatusAPI, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Poller{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "poller").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/service/poller"),
		now:    time.Now,
	}
}

// Active returns the number of running poll loops.
func (p *Poller) Active() int {
	return int(p.active.Load())
}

// Start launches the loop for jobID. apply receives every progress, completion and failure event and
// returns false when the loop should end. The loop also ends after any terminal event or when ctx
// or the returned handle is cancelled.
func (p *Poller) Start(ctx context.Context, jobID string, apply func(PollEvent) bool) *PollerHandle {
	ctx, cancel := context.WithCancel(ctx)
	handle := &PollerHandle{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.active.Add(1)
	observability.ActivePollers().Inc()

	go func() {
		defer close(handle.done)
		defer func() {
			p.active.Add(-1)
			observability.ActivePollers().Dec()
		}()
		p.loop(ctx, jobID, apply)
	}()

	return handle
}

func (p *Poller) loop(ctx context.Context, jobID string, apply func(PollEvent) bool) {
	logger := p.logger.With().Str("job_id", jobID).Logger()
	started := p.now()
	failures := 0

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("polling stopped")
			return
		case <-timer.C:
		}

		if p.cfg.Timeout > 0 && p.now().Sub(started) >= p.cfg.Timeout {
			observability.PollTicks().WithLabelValues("timeout").Inc()
			logger.Warn().Dur("timeout", p.cfg.Timeout).Msg("grading job exceeded polling deadline")
			apply(PollEvent{Kind: PollFailed, Message: ErrPollTimeout.Error(), Err: ErrPollTimeout})
			return
		}

		event := p.check(ctx, jobID)
		if ctx.Err() != nil {
			return
		}

		switch event.Kind {
		case PollCheckFailed:
			failures++
			observability.PollTicks().WithLabelValues("error").Inc()
			logger.Warn().Err(event.Err).Int("consecutive_failures", failures).Msg("status check failed")
			if p.cfg.MaxErrors > 0 && failures >= p.cfg.MaxErrors {
				apply(PollEvent{Kind: PollFailed, Message: ErrPollErrorLimit.Error(), Err: ErrPollErrorLimit})
				return
			}
		case PollProgress:
			failures = 0
			observability.PollTicks().WithLabelValues("processing").Inc()
			if !apply(event) {
				return
			}
		default:
			observability.PollTicks().WithLabelValues(string(event.Kind)).Inc()
			apply(event)
			return
		}

		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) check(ctx context.Context, jobID string) PollEvent {
	ctx, span := p.tracer.Start(ctx, "poller.check", trace.WithAttributes(attribute.String("grading.job_id", jobID)))
	defer span.End()

	response, err := p.api.GradingStatus(ctx, jobID)
	event := ClassifyStatus(jobID, response, err)
	span.SetAttributes(attribute.String("poll.outcome", string(event.Kind)))
	return event
}

// ClassifyStatus interprets one status response.
func ClassifyStatus(jobID string, response gradingapi.StatusResponse, err error) PollEvent {
	if err != nil {
		return PollEvent{
			Kind: PollCheckFailed,
			Err:  &StatusCheckError{JobID: jobID, Message: messageFor(err, defaultStatusMessage), Err: err},
		}
	}

	status := strings.ToLower(strings.TrimSpace(response.Status))
	switch status {
	case "processing":
		event := PollEvent{Kind: PollProgress}
		if response.Progress.Valid {
			event.HasProgress = true
			event.Progress = response.Progress.Int(0)
		}
		return event
	case "complete":
		return PollEvent{Kind: PollComplete, OutputURL: response.OutputURL.String("")}
	case "failed", "error":
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "Grading failed"
		}
		return PollEvent{Kind: PollFailed, Message: message}
	default:
		return PollEvent{
			Kind: PollCheckFailed,
			Err:  &StatusCheckError{JobID: jobID, Message: fmt.Sprintf("unexpected status %q", response.Status)},
		}
	}
}

// PollerHandle controls one running poll loop.
type PollerHandle struct {
	jobID    string
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// JobID returns the polled job.
func (h *PollerHandle) JobID() string {
	if h == nil {
		return ""
	}
	return h.jobID
}

// Stop cancels the loop and any in-flight request. It is safe to call repeatedly and on nil.
func (h *PollerHandle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(h.cancel)
}

// Done is closed once the loop goroutine has exited.
func (h *PollerHandle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Wait blocks until the loop goroutine has exited.
func (h *PollerHandle) Wait() {
	<-h.Done()
}
