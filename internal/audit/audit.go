// Package audit records security-relevant state changes of the auth core.
// Recording is best-effort: a failed write is logged and counted, and never
// fails the security operation that produced the event.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/models"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
)

// Recorder persists security events.
type Recorder interface {
	Record(ctx context.Context, e *models.SecurityEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, *models.SecurityEvent) error { return nil }

// Emitter fills in event metadata and forwards to a Recorder, swallowing failures.
type Emitter struct {
	rec   Recorder
	clock clockwork.Clock
	log   *zap.Logger
}

// NewEmitter returns an Emitter. A nil recorder discards events.
func NewEmitter(rec Recorder, clock clockwork.Clock, log *zap.Logger) *Emitter {
	if rec == nil {
		rec = Nop{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{rec: rec, clock: clock, log: log}
}

// Emit records an event of the given type. details is marshalled to JSON when non-nil.
func (e *Emitter) Emit(ctx context.Context, eventType string, ev models.SecurityEvent, details map[string]any) {
	if e == nil {
		return
	}
	ev.EventType = eventType
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.clock.Now().UTC()
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			ev.Details = string(b)
		}
	}
	if err := e.rec.Record(ctx, &ev); err != nil {
		metrics.AuditWriteErrorsTotal.Inc()
		e.log.Warn("failed to record security event", zap.String("event_type", eventType), zap.Error(err))
	}
}
