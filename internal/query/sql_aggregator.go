package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/domain"
)

// SQLAggregator pushes spec.md §4.9's bucketing down to Postgres using
// a single grouped query with window functions, as the spec's
// numeric-semantics note permits, provided the result is point-for-
// point identical to InMemoryAggregator. It does not call
// Window.BucketIndex; it computes the same ⌊(epoch(ts) − start_epoch) /
// bucket_seconds⌋ expression in SQL and drops indexes at or beyond
// Window.BucketCount, so both aggregators bucket a reading the same way.
type SQLAggregator struct {
	pool    *pgxpool.Pool
	devices DeviceStore
	now     func() time.Time
}

func NewSQLAggregator(pool *pgxpool.Pool, devices DeviceStore) *SQLAggregator {
	return &SQLAggregator{pool: pool, devices: devices, now: func() time.Time { return time.Now().UTC() }}
}

func (a *SQLAggregator) Query(ctx context.Context, deviceID, userID, windowKey string) (*Result, error) {
	window, err := Lookup(windowKey)
	if err != nil {
		return nil, err
	}

	device, err := a.devices.GetDeviceByID(ctx, deviceID)
	if err != nil {
		return nil, domain.ErrDeviceNotFound
	}
	if device.OwnerID != userID {
		return nil, domain.ErrDeviceNotFound
	}

	end := a.now()
	start := end.Add(-window.Duration)
	bucketSeconds := int64(window.Bucket / time.Second)

	// first/last per bucket ordered by ts, matching step 5/6's
	// "overwrite on every reading" / "set on first reading only"
	// last-write-wins-by-wall-order semantics via a window function
	// keyed on the same bucket index the in-memory path computes.
	rows, err := a.pool.Query(ctx, `
		WITH bucketed AS (
			SELECT
				floor(extract(epoch FROM ts - $2::timestamptz) / $3) AS bucket_idx,
				energy_kwh, power, voltage, current, ts,
				first_value(energy_kwh) OVER w  AS first_energy,
				last_value(energy_kwh)  OVER w  AS last_energy,
				last_value(power)       OVER w  AS last_power,
				last_value(voltage)     OVER w  AS last_voltage,
				last_value(current)     OVER w  AS last_current,
				count(*) OVER (PARTITION BY floor(extract(epoch FROM ts - $2::timestamptz) / $3)) AS bucket_count
			FROM readings
			WHERE device_id = $1 AND ts >= $2 AND ts <= $4
			WINDOW w AS (
				PARTITION BY floor(extract(epoch FROM ts - $2::timestamptz) / $3)
				ORDER BY ts
				ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING
			)
		)
		SELECT DISTINCT bucket_idx, first_energy, last_energy, last_power, last_voltage, last_current, bucket_count
		FROM bucketed
		ORDER BY bucket_idx ASC`,
		deviceID, start, bucketSeconds, end)
	if err != nil {
		return nil, fmt.Errorf("query bucketed readings: %w", err)
	}
	defer rows.Close()

	points := make([]Point, 0, window.BucketCount())
	for rows.Next() {
		var bucketIdx int64
		var firstEnergy, lastEnergy decimal.Decimal
		var lastPower, lastVoltage, lastCurrent *decimal.Decimal
		var count int
		if err := rows.Scan(&bucketIdx, &firstEnergy, &lastEnergy, &lastPower, &lastVoltage, &lastCurrent, &count); err != nil {
			return nil, fmt.Errorf("scan bucketed row: %w", err)
		}
		if count == 0 || bucketIdx < 0 || int(bucketIdx) >= window.BucketCount() {
			continue
		}

		delta := lastEnergy.Sub(firstEnergy)
		if delta.IsNegative() {
			delta = decimal.Zero
		}
		energy, _ := delta.Float64()

		points = append(points, Point{
			TS:        window.BucketStart(start, int(bucketIdx)),
			EnergyKWh: energy,
			PowerKW:   decimalToFloatPtr(lastPower),
			VoltageV:  decimalToFloatPtr(lastVoltage),
			CurrentA:  decimalToFloatPtr(lastCurrent),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Interval:  window.Label,
		StartTime: start,
		EndTime:   end,
		Points:    points,
	}, nil
}
