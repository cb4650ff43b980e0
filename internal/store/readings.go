package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/domain"
)

// InsertReading performs the idempotent insert spec.md §4.4 requires:
// ON CONFLICT on (mac, ts, payload_hash) does nothing, and the
// returned bool tells the caller (reading.Recorder) whether a new row
// was actually committed so it can drive the commit/duplicate
// counters itself.
func (s *Store) InsertReading(ctx context.Context, r domain.Reading) (committed bool, err error) {
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO readings (id, device_id, mac, ts, energy_kwh, power, voltage, current, key,
			payload, payload_hash, ingested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (mac, ts, payload_hash) DO NOTHING`,
		r.ID, r.DeviceID, r.MAC, r.TS, r.EnergyKWh, decimalPtrValue(r.Power), decimalPtrValue(r.Voltage),
		decimalPtrValue(r.Current), r.Key, payloadJSON, r.PayloadHash, r.IngestedAt)
	if err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func decimalPtrValue(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

// ReadingsInRange returns every reading for deviceID with ts in
// [start, end], ordered ascending by ts, as spec.md §4.9 step 4
// requires for the in-memory bucketed aggregator.
func (s *Store) ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, energy_kwh, power, voltage, current
		FROM readings
		WHERE device_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query readings in range: %w", err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var r domain.Reading
		var power, voltage, current nullDecimal
		if err := rows.Scan(&r.TS, &r.EnergyKWh, &power, &voltage, &current); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Power = power.Ptr()
		r.Voltage = voltage.Ptr()
		r.Current = current.Ptr()
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertDeadLetter appends a rejected payload (C4, append-only).
func (s *Store) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payloadJSON, err := json.Marshal(dl.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	metaJSON, err := json.Marshal(dl.Meta)
	if err != nil {
		return fmt.Errorf("marshal dead letter meta: %w", err)
	}
	var deviceID any
	if dl.DeviceID != "" {
		deviceID = dl.DeviceID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, device_id, mac, payload, failure_reason, occured_at, retryable, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		dl.ID, deviceID, dl.MAC, payloadJSON, dl.FailureReason, dl.OccurredAt, dl.Retryable, metaJSON)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters is the ambient operator-inspection endpoint from
// SPEC_FULL.md §6.
func (s *Store) ListDeadLetters(ctx context.Context, reason string, page, pageSize int) (items []domain.DeadLetter, total int, err error) {
	offset := (page - 1) * pageSize
	args := []any{pageSize, offset}
	where := ""
	if reason != "" {
		where = "WHERE failure_reason = $3"
		args = append(args, reason)
	}

	countSQL := "SELECT count(*) FROM dead_letters"
	var countArgs []any
	if reason != "" {
		countSQL += " WHERE failure_reason = $1"
		countArgs = append(countArgs, reason)
	}
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(device_id, ''), mac, payload, failure_reason, occured_at, retryable, meta
		FROM dead_letters `+where+`
		ORDER BY occured_at DESC LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dl domain.DeadLetter
		var payloadJSON, metaJSON []byte
		if err := rows.Scan(&dl.ID, &dl.DeviceID, &dl.MAC, &payloadJSON, &dl.FailureReason,
			&dl.OccurredAt, &dl.Retryable, &metaJSON); err != nil {
			return nil, 0, fmt.Errorf("scan dead letter: %w", err)
		}
		_ = json.Unmarshal(payloadJSON, &dl.Payload)
		_ = json.Unmarshal(metaJSON, &dl.Meta)
		items = append(items, dl)
	}
	return items, total, rows.Err()
}

// UpsertCheckpoint records the last reading timestamp processed for
// mac. Informational only (SPEC_FULL.md §3).
func (s *Store) UpsertCheckpoint(ctx context.Context, mac string, lastTS time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_checkpoints (mac, last_ts, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (mac) DO UPDATE SET last_ts = EXCLUDED.last_ts, updated_at = EXCLUDED.updated_at`,
		mac, lastTS, time.Now().UTC())
	return err
}
