package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventExit     EventType = "exit"
	EventCrash    EventType = "crash"
	EventDelete   EventType = "delete"
	EventShutdown EventType = "shutdown"
)

// Record describes the extension an event refers to.
type Record struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps a fresh event id and the current UTC time.
func NewEvent(t EventType, rec Record) Event {
	return Event{
		EventID:    uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record:     rec,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single sink write.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans an event out to every configured sink. Sink failures are
// logged and never returned to the caller.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder builds a recorder over sinks. A nil logger discards output.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: DefaultSendTimeout}
}

// SetTimeout overrides the per-sink write timeout.
func (r *Recorder) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Len reports the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Record sends e to each sink in turn.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	timeout := r.timeout
	r.mu.RUnlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink send failed",
				"event", string(e.Type), "extension", e.Record.ID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
