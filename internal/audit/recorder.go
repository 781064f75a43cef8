// Package audit provides the append-only decision trail. Every guard
// decision, proposal lifecycle event, and circuit transition is recorded with
// enough structured detail to reconstruct the decision without re-querying
// live state.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Channel is the pub/sub channel audit events are streamed on.
const Channel = "ch:audit"

// Recorder fans every audit event out to the persistent store (when
// configured), the signal bus (when configured), and the structured log. A
// store or bus failure never blocks the caller's decision path; it is logged
// and dropped.
type Recorder struct {
	store  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. store and bus may be nil; the slog fallback
// always runs.
func NewRecorder(store domain.AuditStore, bus domain.SignalBus, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "audit")),
		now:    time.Now,
	}
}

// Record appends an audit event. detail must be JSON-marshalable; numeric
// fields should be passed as strings when they exceed float64 precision
// (big.Int amounts).
func (r *Recorder) Record(ctx context.Context, event string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}

	r.logger.InfoContext(ctx, "audit event",
		slog.String("event", event),
		slog.Any("detail", detail),
	)

	if r.store != nil {
		if err := r.store.Log(ctx, event, detail); err != nil {
			r.logger.WarnContext(ctx, "audit store write failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"event":  event,
			"detail": detail,
			"ts":     r.now().UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			if err := r.bus.Publish(ctx, Channel, payload); err != nil {
				r.logger.DebugContext(ctx, "audit publish failed",
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
