package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/observability"
)

const eventBufferSize = 32

// Workflow event types.
const (
	EventUploadStarted    = "upload.started"
	EventUploadProgress   = "upload.progress"
	EventUploadCompleted  = "upload.completed"
	EventUploadFailed     = "upload.failed"
	EventModelsLoaded     = "models.loaded"
	EventModelsFailed     = "models.failed"
	EventJobSubmitted     = "job.submitted"
	EventSubmissionFailed = "job.submission_failed"
	EventJobProgress      = "job.progress"
	EventJobCompleted     = "job.completed"
	EventJobFailed        = "job.failed"
	EventJobCancelled     = "job.cancelled"
	EventResultsFetched   = "results.fetched"
	EventResultsFailed    = "results.failed"
	EventOutputArchived   = "output.archived"
	// EventStateSnapshot is sent once to each new stream subscriber and never published.
	EventStateSnapshot = "workflow.state"
)

// EventPublisher fans workflow events out to local subscribers and, when configured, to NATS.
type EventPublisher interface {
	Publish(ctx context.Context, event dto.WorkflowEventResponse)
	Subscribe() (<-chan dto.WorkflowEventResponse, func())
}

type eventPublisher struct {
	nats    *nats.Conn
	subject string
	logger  zerolog.Logger
	broker  *eventBroker
}

type eventBroker struct {
	mu          sync.RWMutex
	subscribers map[chan dto.WorkflowEventResponse]struct{}
}

// NewEventPublisher constructs the publisher. natsConn may be nil.
func NewEventPublisher(natsConn *nats.Conn, subject string, logger zerolog.Logger) EventPublisher {
	return &eventPublisher{
		nats:    natsConn,
		subject: subject,
		logger:  logger.With().Str("component", "event_publisher").Logger(),
		broker: &eventBroker{
			subscribers: make(map[chan dto.WorkflowEventResponse]struct{}),
		},
	}
}

func (p *eventPublisher) Publish(ctx context.Context, event dto.WorkflowEventResponse) {
	p.broker.broadcast(event)
	observability.EventsPublished().WithLabelValues(event.Type).Inc()

	if p.nats == nil || p.subject == "" {
		return
	}
	// Progress ticks stay local.
	if event.Type == EventUploadProgress {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to encode workflow event")
		return
	}
	if err := p.nats.Publish(p.subject+"."+event.Type, payload); err != nil {
		p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to publish workflow event to nats")
	}
}

func (p *eventPublisher) Subscribe() (<-chan dto.WorkflowEventResponse, func()) {
	channel := make(chan dto.WorkflowEventResponse, eventBufferSize)
	p.broker.subscribe(channel)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { p.broker.unsubscribe(channel) })
	}
	return channel, cleanup
}

func (b *eventBroker) subscribe(ch chan dto.WorkflowEventResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = struct{}{}
}

func (b *eventBroker) unsubscribe(ch chan dto.WorkflowEventResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *eventBroker) broadcast(event dto.WorkflowEventResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
