// =============================
// Governance Audit Trail
// =============================
// Every state-changing governance decision emits one structured audit event.
// Events are delivered to an injected Sink; sink failures are logged and
// never propagated back into governance operations.

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one structured audit record.
type Event struct {
	ID        uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	Timestamp time.Time              `json:"timestamp" gorm:"index"`
	Component string                 `json:"component" gorm:"index"`
	Action    string                 `json:"action" gorm:"index"`
	Subject   string                 `json:"subject" gorm:"index"`
	Severity  string                 `json:"severity"`
	Reason    string                 `json:"reason"`
	Detail    map[string]interface{} `json:"detail,omitempty" gorm:"serializer:json"`
}

// NewEvent builds an event with id and timestamp filled in.
func NewEvent(component, action, subject, severity, reason string) Event {
	return Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Component: component,
		Action:    action,
		Subject:   subject,
		Severity:  severity,
		Reason:    reason,
	}
}

// WithDetail attaches one detail field and returns the event for chaining.
func (e Event) WithDetail(key string, value interface{}) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// ZapSink writes audit events to the structured log.
type ZapSink struct {
	logger *zap.SugaredLogger
}

// NewZapSink creates a log-backed sink.
func NewZapSink(logger *zap.SugaredLogger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Record(_ context.Context, event Event) error {
	s.logger.Infow("audit",
		"event_id", event.ID,
		"component", event.Component,
		"action", event.Action,
		"subject", event.Subject,
		"severity", event.Severity,
		"reason", event.Reason,
		"detail", event.Detail,
	)
	return nil
}

func (s *ZapSink) Close() error { return nil }

// MultiSink fans an event out to all configured sinks. A failing sink is
// logged and skipped so one slow backend cannot drop the rest of the trail.
type MultiSink struct {
	logger *zap.SugaredLogger
	sinks  []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(logger *zap.SugaredLogger, sinks ...Sink) *MultiSink {
	return &MultiSink{logger: logger, sinks: sinks}
}

func (m *MultiSink) Record(ctx context.Context, event Event) error {
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			m.logger.Warnw("audit sink failed",
				"event_id", event.ID,
				"component", event.Component,
				"action", event.Action,
				"error", err,
			)
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.logger.Warnw("audit sink close failed", "error", err)
		}
	}
	return nil
}
