package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/domain"
)

// Point is one emitted bucket, spec.md §4.9 step 6. Values convert to
// float64 only here, at the JSON-response boundary; every upstream
// computation stays in decimal.Decimal.
type Point struct {
	TS        time.Time
	EnergyKWh float64
	PowerKW   *float64
	VoltageV  *float64
	CurrentA  *float64
}

// Result is the full response payload for one device/window query.
type Result struct {
	Interval  string
	StartTime time.Time
	EndTime   time.Time
	Points    []Point
}

// DeviceStore is the narrow ownership-check dependency Query needs.
type DeviceStore interface {
	GetDeviceByID(ctx context.Context, id string) (domain.Device, error)
}

// ReadingStore is the narrow read dependency the in-memory aggregator
// needs.
type ReadingStore interface {
	ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error)
}

// bucketAccumulator tracks spec.md §4.9 step 5's per-bucket state.
type bucketAccumulator struct {
	count       int
	firstEnergy decimal.Decimal
	lastEnergy  decimal.Decimal
	lastPower   *decimal.Decimal
	lastVoltage *decimal.Decimal
	lastCurrent *decimal.Decimal
}

// InMemoryAggregator is the normative implementation of spec.md §4.9:
// fetch every reading in range, then fold it into fixed-width buckets
// in Go.
type InMemoryAggregator struct {
	devices  DeviceStore
	readings ReadingStore
	now      func() time.Time
}

func NewInMemoryAggregator(devices DeviceStore, readings ReadingStore) *InMemoryAggregator {
	return &InMemoryAggregator{devices: devices, readings: readings, now: func() time.Time { return time.Now().UTC() }}
}

// Query implements spec.md §4.9 steps 1-7.
func (a *InMemoryAggregator) Query(ctx context.Context, deviceID, userID, windowKey string) (*Result, error) {
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

	readings, err := a.readings.ReadingsInRange(ctx, deviceID, start, end)
	if err != nil {
		return nil, err
	}

	buckets := make([]bucketAccumulator, window.BucketCount())
	for _, r := range readings {
		idx, ok := window.BucketIndex(r.TS, start)
		if !ok {
			continue
		}
		b := &buckets[idx]
		if b.count == 0 {
			b.firstEnergy = r.EnergyKWh
		}
		b.lastEnergy = r.EnergyKWh
		b.lastPower = r.Power
		b.lastVoltage = r.Voltage
		b.lastCurrent = r.Current
		b.count++
	}

	points := make([]Point, 0, window.BucketCount())
	for i, b := range buckets {
		if b.count == 0 {
			continue
		}
		delta := b.lastEnergy.Sub(b.firstEnergy)
		if delta.IsNegative() {
			delta = decimal.Zero
		}
		energy, _ := delta.Float64()

		points = append(points, Point{
			TS:        window.BucketStart(start, i),
			EnergyKWh: energy,
			PowerKW:   decimalToFloatPtr(b.lastPower),
			VoltageV:  decimalToFloatPtr(b.lastVoltage),
			CurrentA:  decimalToFloatPtr(b.lastCurrent),
		})
	}

	return &Result{
		Interval:  window.Label,
		StartTime: start,
		EndTime:   end,
		Points:    points,
	}, nil
}

// decimalToFloatPtr converts an optional instantaneous reading to a
// float64 pointer, coercing an absent value to 0.0 rather than null
// (device_api_service.py:294-296).
func decimalToFloatPtr(d *decimal.Decimal) *float64 {
	var f float64
	if d != nil {
		f, _ = d.Float64()
	}
	return &f
}
