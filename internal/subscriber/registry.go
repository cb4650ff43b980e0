// Package subscriber implements the in-memory subscriber registry
// (C3): a MAC-keyed table of active-worker bookkeeping observed by the
// metrics registry. It never touches storage.
package subscriber

import (
	"sync"
	"time"

	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*domain.SubscriberRecord
	metrics metrics.Metrics
}

// New builds a Registry reporting active-subscriber counts through m.
func New(m metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Registry{
		records: make(map[string]*domain.SubscriberRecord),
		metrics: m,
	}
}

// Activate inserts or replaces the record for device.MAC and updates
// the active_subscribers gauge.
func (r *Registry) Activate(device domain.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[device.MAC] = &domain.SubscriberRecord{
		Device:     device,
		LastSeenAt: time.Now().UTC(),
		Active:     true,
	}
	r.metrics.SetActiveSubscribers(len(r.records))
}

// Deactivate removes the record for mac, if present.
func (r *Registry) Deactivate(mac string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, mac)
	r.metrics.SetActiveSubscribers(len(r.records))
}

// RecordSeen updates LastSeenAt and the lag gauge for mac. A thin
// wrapper over the metrics registry per spec.md §4.3.
func (r *Registry) RecordSeen(mac string, at time.Time) {
	r.mu.Lock()
	rec, ok := r.records[mac]
	if ok {
		rec.LastSeenAt = at
		rec.LagSeconds = time.Since(at).Seconds()
	}
	r.mu.Unlock()
	if ok {
		r.metrics.SetLagSeconds(mac, rec.LagSeconds)
	}
}

// Active reports whether mac currently has an active worker.
func (r *Registry) Active(mac string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[mac]
	return ok
}

// Snapshot returns a consistent point-in-time copy of every active
// record, safe for the caller to range over without holding any lock.
func (r *Registry) Snapshot() []domain.SubscriberRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SubscriberRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
