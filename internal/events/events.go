// Package events delivers fire-and-forget notifications to the audit and
// notification collaborators: ingestion completion and record views.
//
// Publishing never blocks the caller and never fails an operation. Events
// that cannot be queued are dropped and counted.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Type names an event kind.
type Type string

const (
	IngestionCompleted Type = "ingestion.completed"
	BatchDeleted       Type = "batch.deleted"
	BatchReassigned    Type = "batch.reassigned"
	RecordsViewed      Type = "records.viewed"
)

// Event is one notification. Attrs carries small scalar details.
type Event struct {
	Type      Type           `json:"type"`
	ActorID   string         `json:"actorId,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
	RecordIDs []string       `json:"recordIds,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vi_events_published_total",
		Help: "Events handed to the downstream sink.",
	}, []string{"type"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vi_events_dropped_total",
		Help: "Events dropped because the queue was full or the sink failed.",
	}, []string{"type", "reason"})
)

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event",
		"type", e.Type,
		"actor_id", e.ActorID,
		"batch_id", e.BatchID,
		"records", len(e.RecordIDs),
	)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Async queues events for a background goroutine that forwards them to the
// wrapped sink.
type Async struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the forwarding goroutine. bufferSize bounds the queue.
func NewAsync(sink Sink, bufferSize int) *Async {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	a := &Async{
		sink:    sink,
		queue:   make(chan Event, bufferSize),
		timeout: 5 * time.Second,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Publish enqueues e without blocking. Always returns nil.
func (a *Async) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		eventsDropped.WithLabelValues(string(e.Type), "closed").Inc()
		return nil
	}
	select {
	case a.queue <- e:
	default:
		eventsDropped.WithLabelValues(string(e.Type), "queue_full").Inc()
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, e); err != nil {
			eventsDropped.WithLabelValues(string(e.Type), "sink_error").Inc()
			slog.Warn("event delivery failed", "type", e.Type, "batch_id", e.BatchID, "error", err)
		} else {
			eventsPublished.WithLabelValues(string(e.Type)).Inc()
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
