// Package deadletter implements the append-only dead-letter store
// (C4): rejected payloads tagged with a failure reason, visible to an
// operator via the ambient /v1/device-admin/dead-letters endpoint.
package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
)

// InsertStore is the narrow persistence dependency Recorder needs.
type InsertStore interface {
	InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// Recorder appends dead letters and increments the dead_letter
// counter by reason (spec.md §4.2).
type Recorder struct {
	store   InsertStore
	metrics metrics.Metrics
}

func NewRecorder(store InsertStore, m metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Recorder{store: store, metrics: m}
}

// Reject appends a dead letter. deviceID and mac may be empty when the
// rejection happens before a device could be resolved (e.g. an
// unknown topic).
func (r *Recorder) Reject(ctx context.Context, deviceID, mac string, payload map[string]any, reason string, retryable bool, meta map[string]any) error {
	dl := domain.DeadLetter{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		MAC:           mac,
		Payload:       payload,
		FailureReason: reason,
		OccurredAt:    time.Now().UTC(),
		Retryable:     retryable,
		Meta:          meta,
	}
	if err := r.store.InsertDeadLetter(ctx, dl); err != nil {
		return err
	}
	r.metrics.IncDeadLetter(reason)
	return nil
}
