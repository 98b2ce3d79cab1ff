package monitor

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/models"
)

const errorRingSize = 50

// RecordedError is a recent runtime error kept for inspection over the ops API
type RecordedError struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of all monitor state
type Snapshot struct {
	JobsProcessed    map[string]int64                        `json:"jobs_processed"`
	JobsFailed       map[string]int64                        `json:"jobs_failed"`
	JobsRetried      map[string]int64                        `json:"jobs_retried"`
	JobsDeadLettered map[string]int64                        `json:"jobs_dead_lettered"`
	EventsPublished  map[string]int64                        `json:"events_published"`
	EventsDispatched map[string]int64                        `json:"events_dispatched"`
	HandlerErrors    map[string]int64                        `json:"handler_errors"`
	TransportErrors  map[string]int64                        `json:"transport_errors"`
	ProjectionUpdates map[string]int64                       `json:"projection_updates"`
	SagasTriggered   map[string]int64                        `json:"sagas_triggered"`
	SagasCompensated map[string]int64                        `json:"sagas_compensated"`
	QueueDepths      map[string]map[models.JobStatus]int     `json:"queue_depths"`
	BreakerStates    map[string]string                       `json:"breaker_states"`
	RecentErrors     []RecordedError                         `json:"recent_errors"`
}

// Service aggregates runtime counters and gauges. All methods are safe for
// concurrent use; writers never block on renders beyond the mutex hold.
type Service struct {
	mu     sync.Mutex
	logger arbor.ILogger

	jobsProcessed    map[string]int64
	jobsFailed       map[string]int64
	jobsRetried      map[string]int64
	jobsDeadLettered map[string]int64

	eventsPublished   map[string]int64
	eventsDispatched  map[string]int64
	handlerErrors     map[string]int64
	transportErrors   map[string]int64
	projectionUpdates map[string]int64

	sagasTriggered   map[string]int64
	sagasCompensated map[string]int64

	queueDepths   map[string]map[models.JobStatus]int
	breakerStates map[string]string

	recentErrors []RecordedError
}

// NewService creates an empty monitor
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		logger:            logger,
		jobsProcessed:     make(map[string]int64),
		jobsFailed:        make(map[string]int64),
		jobsRetried:       make(map[string]int64),
		jobsDeadLettered:  make(map[string]int64),
		eventsPublished:   make(map[string]int64),
		eventsDispatched:  make(map[string]int64),
		handlerErrors:     make(map[string]int64),
		transportErrors:   make(map[string]int64),
		projectionUpdates: make(map[string]int64),
		sagasTriggered:    make(map[string]int64),
		sagasCompensated:  make(map[string]int64),
		queueDepths:       make(map[string]map[models.JobStatus]int),
		breakerStates:     make(map[string]string),
	}
}

func (s *Service) JobProcessed(queue string) { s.inc(s.jobsProcessed, queue) }
func (s *Service) JobFailed(queue string)    { s.inc(s.jobsFailed, queue) }
func (s *Service) JobRetried(queue string)   { s.inc(s.jobsRetried, queue) }

func (s *Service) JobDeadLettered(queue string) { s.inc(s.jobsDeadLettered, queue) }

func (s *Service) EventPublished(eventType string)   { s.inc(s.eventsPublished, eventType) }
func (s *Service) EventDispatched(subscriber string) { s.inc(s.eventsDispatched, subscriber) }
func (s *Service) HandlerError(subscriber string)    { s.inc(s.handlerErrors, subscriber) }
func (s *Service) TransportError(transport string)   { s.inc(s.transportErrors, transport) }
func (s *Service) ProjectionUpdated(name string)     { s.inc(s.projectionUpdates, name) }

func (s *Service) SagaTriggered(definitionID string)   { s.inc(s.sagasTriggered, definitionID) }
func (s *Service) SagaCompensated(definitionID string) { s.inc(s.sagasCompensated, definitionID) }

func (s *Service) inc(m map[string]int64, key string) {
	s.mu.Lock()
	m[key]++
	s.mu.Unlock()
}

// RecordQueueDepth replaces the depth gauge set for one queue
func (s *Service) RecordQueueDepth(queue string, counts map[models.JobStatus]int) {
	copied := make(map[models.JobStatus]int, len(counts))
	for k, v := range counts {
		copied[k] = v
	}
	s.mu.Lock()
	s.queueDepths[queue] = copied
	s.mu.Unlock()
}

// BreakerStateChanged records the new state of a named breaker
func (s *Service) BreakerStateChanged(name, from, to string) {
	s.mu.Lock()
	s.breakerStates[name] = to
	s.mu.Unlock()

	s.logger.Info().
		Str("breaker", name).
		Str("from", from).
		Str("to", to).
		Msg("Circuit breaker state changed")
}

// RecordError keeps the error in a bounded ring for the ops API
func (s *Service) RecordError(component string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	s.recentErrors = append(s.recentErrors, RecordedError{
		Component: component,
		Message:   err.Error(),
		At:        time.Now(),
	})
	if len(s.recentErrors) > errorRingSize {
		s.recentErrors = s.recentErrors[len(s.recentErrors)-errorRingSize:]
	}
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current monitor state
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[string]map[models.JobStatus]int, len(s.queueDepths))
	for q, counts := range s.queueDepths {
		c := make(map[models.JobStatus]int, len(counts))
		for k, v := range counts {
			c[k] = v
		}
		depths[q] = c
	}

	errs := make([]RecordedError, len(s.recentErrors))
	copy(errs, s.recentErrors)

	return Snapshot{
		JobsProcessed:     copyCounts(s.jobsProcessed),
		JobsFailed:        copyCounts(s.jobsFailed),
		JobsRetried:       copyCounts(s.jobsRetried),
		JobsDeadLettered:  copyCounts(s.jobsDeadLettered),
		EventsPublished:   copyCounts(s.eventsPublished),
		EventsDispatched:  copyCounts(s.eventsDispatched),
		HandlerErrors:     copyCounts(s.handlerErrors),
		TransportErrors:   copyCounts(s.transportErrors),
		ProjectionUpdates: copyCounts(s.projectionUpdates),
		SagasTriggered:    copyCounts(s.sagasTriggered),
		SagasCompensated:  copyCounts(s.sagasCompensated),
		QueueDepths:       depths,
		BreakerStates:     copyStates(s.breakerStates),
		RecentErrors:      errs,
	}
}

// Render writes all metrics in Prometheus text exposition format
func (s *Service) Render(w io.Writer) {
	snap := s.Snapshot()

	renderCounter(w, "perago_jobs_processed_total", "Jobs completed successfully.", "queue", snap.JobsProcessed)
	renderCounter(w, "perago_jobs_failed_total", "Job executions that returned an error.", "queue", snap.JobsFailed)
	renderCounter(w, "perago_jobs_retried_total", "Jobs rescheduled after a failed attempt.", "queue", snap.JobsRetried)
	renderCounter(w, "perago_jobs_dead_lettered_total", "Jobs moved to the dead-letter store.", "queue", snap.JobsDeadLettered)
	renderCounter(w, "perago_events_published_total", "Domain events appended to the store.", "type", snap.EventsPublished)
	renderCounter(w, "perago_events_dispatched_total", "Event deliveries to subscribers.", "subscriber", snap.EventsDispatched)
	renderCounter(w, "perago_handler_errors_total", "Subscriber handler failures.", "subscriber", snap.HandlerErrors)
	renderCounter(w, "perago_transport_errors_total", "External transport send failures.", "transport", snap.TransportErrors)
	renderCounter(w, "perago_projection_updates_total", "Events applied to projections.", "projection", snap.ProjectionUpdates)
	renderCounter(w, "perago_sagas_triggered_total", "Saga instances started.", "definition", snap.SagasTriggered)
	renderCounter(w, "perago_sagas_compensated_total", "Saga instances that ran compensation.", "definition", snap.SagasCompensated)

	fmt.Fprintf(w, "# HELP perago_queue_depth Jobs per queue by status.\n")
	fmt.Fprintf(w, "# TYPE perago_queue_depth gauge\n")
	for _, queue := range sortedKeys(snap.QueueDepths) {
		counts := snap.QueueDepths[queue]
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Fprintf(w, "perago_queue_depth{queue=%q,status=%q} %d\n", queue, status, counts[models.JobStatus(status)])
		}
	}

	fmt.Fprintf(w, "# HELP perago_breaker_state Circuit breaker state (0 closed, 1 open, 2 half-open).\n")
	fmt.Fprintf(w, "# TYPE perago_breaker_state gauge\n")
	for _, name := range sortedKeys(snap.BreakerStates) {
		fmt.Fprintf(w, "perago_breaker_state{name=%q} %d\n", name, breakerStateValue(snap.BreakerStates[name]))
	}
}

func renderCounter(w io.Writer, name, help, label string, counts map[string]int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(counts) {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, key, counts[key])
	}
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStates(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
