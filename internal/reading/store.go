package reading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/circuitbreaker"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
)

// ErrCircuitOpen is returned when the reading-store breaker (C16) is
// tripped; the caller (normalizer) must dead-letter with
// "ingest_error:circuit_open" and must not additionally retry.
var ErrCircuitOpen = errors.New("reading store circuit open")

// InsertStore is the narrow persistence dependency Recorder needs,
// satisfied structurally by *store.Store.
type InsertStore interface {
	InsertReading(ctx context.Context, r domain.Reading) (committed bool, err error)
}

// RecordInput is the input to Record, matching spec.md §4.4's
// contract for the reading store.
type RecordInput struct {
	Device    domain.Device
	TS        time.Time
	EnergyKWh decimal.Decimal
	Power     *decimal.Decimal
	Voltage   *decimal.Decimal
	Current   *decimal.Decimal
	Key       string
	Payload   map[string]any
}

// Recorder implements the idempotent insert contract of C5: compute
// payload_hash, insert-or-noop keyed on (mac, ts, payload_hash),
// increment exactly one of commit/duplicate, and gate writes through
// an optional circuit breaker (C16).
type Recorder struct {
	store   InsertStore
	metrics metrics.Metrics
	breaker *circuitbreaker.Breaker
}

// NewRecorder builds a Recorder. breaker may be nil to disable the
// circuit-breaker gate entirely.
func NewRecorder(store InsertStore, m metrics.Metrics, breaker *circuitbreaker.Breaker) *Recorder {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Recorder{store: store, metrics: m, breaker: breaker}
}

// Record persists in, or silently counts it as a duplicate. Any
// storage-layer error propagates to the caller so it can route to the
// dead-letter store (spec.md §4.4, §7).
func (r *Recorder) Record(ctx context.Context, in RecordInput) error {
	if r.breaker != nil && !r.breaker.Allow() {
		return ErrCircuitOpen
	}

	hash := PayloadHash(in.Payload)
	reading := domain.Reading{
		ID:          uuid.NewString(),
		DeviceID:    in.Device.ID,
		MAC:         in.Device.MAC,
		TS:          in.TS,
		EnergyKWh:   in.EnergyKWh,
		Power:       in.Power,
		Voltage:     in.Voltage,
		Current:     in.Current,
		Key:         in.Key,
		Payload:     in.Payload,
		PayloadHash: hash,
		IngestedAt:  time.Now().UTC(),
	}

	committed, err := r.store.InsertReading(ctx, reading)
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure()
		}
		return fmt.Errorf("record reading: %w", err)
	}
	if r.breaker != nil {
		r.breaker.RecordSuccess()
	}

	if committed {
		r.metrics.IncCommit()
	} else {
		r.metrics.IncDuplicate()
	}
	return nil
}
