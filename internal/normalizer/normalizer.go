// Package normalizer implements the envelope normalizer (C9):
// payload -> typed reading, with dead-letter routing on any failure.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/reading"
)

// Normalizer turns envelopes into persisted readings or dead letters.
type Normalizer struct {
	recorder    *reading.Recorder
	deadLetters *deadletter.Recorder
	now         func() time.Time
}

func New(recorder *reading.Recorder, deadLetters *deadletter.Recorder) *Normalizer {
	return &Normalizer{recorder: recorder, deadLetters: deadLetters, now: func() time.Time { return time.Now().UTC() }}
}

// Normalize implements spec.md §4.8. A nil return means the envelope
// was either recorded or cleanly dead-lettered; the device worker (C8)
// resets its failure counter either way, since a dead letter is "never
// retried; message is considered acknowledged" per spec.md §7. That
// includes an open circuit breaker, which is dead-lettered as
// ingest_error:circuit_open and returns nil. A non-nil return means
// the dead letter itself could not be written; the worker then applies
// its own retry policy instead of treating this envelope as handled.
func (n *Normalizer) Normalize(ctx context.Context, device domain.Device, env domain.Envelope) error {
	mac := strings.ToUpper(stringField(env.Payload, "mac"))
	if mac == "" {
		mac = device.MAC
	}

	ts := parseTimestamp(env.Payload["ts"], n.now())

	energy, err := parseDecimal(env.Payload["energy"])
	if err != nil {
		return n.reject(ctx, device, mac, env.Payload, "ingest_error:missing_energy")
	}

	power, _ := parseDecimalOptional(env.Payload["power"])
	voltage, _ := parseDecimalOptional(env.Payload["voltage"])
	current, _ := parseDecimalOptional(env.Payload["current"])
	key := stringField(env.Payload, "key")

	err = n.recorder.Record(ctx, reading.RecordInput{
		Device:    device,
		TS:        ts,
		EnergyKWh: energy,
		Power:     power,
		Voltage:   voltage,
		Current:   current,
		Key:       key,
		Payload:   env.Payload,
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, reading.ErrCircuitOpen) {
		_ = n.reject(ctx, device, mac, env.Payload, "ingest_error:circuit_open")
		// Not retried independently of the breaker: returning nil tells
		// the worker this envelope is handled, per SPEC_FULL.md §7.
		return nil
	}

	return n.reject(ctx, device, mac, env.Payload, fmt.Sprintf("ingest_error:%s", classify(err)))
}

func (n *Normalizer) reject(ctx context.Context, device domain.Device, mac string, payload map[string]any, reason string) error {
	return n.deadLetters.Reject(ctx, device.ID, mac, payload, reason, false, nil)
}

func classify(err error) string {
	if err == nil {
		return "unknown"
	}
	return "storage_error"
}

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// parseTimestamp accepts ISO-8601 (naive treated as UTC) or numeric
// epoch seconds, defaulting to now when absent or unparseable, per
// spec.md §4.8 step 2.
func parseTimestamp(v any, now time.Time) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		if ts, err := time.Parse("2006-01-02T15:04:05", t); err == nil {
			return ts.UTC()
		}
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return epochSeconds(secs)
		}
	case float64:
		return epochSeconds(t)
	case int64:
		return epochSeconds(float64(t))
	}
	return now
}

func epochSeconds(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*1e9)).UTC()
}

// parseDecimal requires a value to be present and parseable.
func parseDecimal(v any) (decimal.Decimal, error) {
	d, ok, err := decimalFrom(v)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !ok {
		return decimal.Decimal{}, errMissing
	}
	return d, nil
}

// parseDecimalOptional never fails: an absent or unparseable optional
// field is simply omitted.
func parseDecimalOptional(v any) (*decimal.Decimal, bool) {
	d, ok, err := decimalFrom(v)
	if err != nil || !ok {
		return nil, false
	}
	return &d, true
}

var errMissing = errors.New("value missing")

func decimalFrom(v any) (decimal.Decimal, bool, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Decimal{}, false, nil
	case string:
		if t == "" {
			return decimal.Decimal{}, false, nil
		}
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return d, true, nil
	case float64:
		return decimal.NewFromFloat(t), true, nil
	case int:
		return decimal.NewFromInt(int64(t)), true, nil
	case int64:
		return decimal.NewFromInt(t), true, nil
	default:
		return decimal.Decimal{}, false, fmt.Errorf("unsupported numeric type %T", v)
	}
}
