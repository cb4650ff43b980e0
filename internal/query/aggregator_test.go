package query

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/domain"
)

type fakeDeviceStore struct {
	devices map[string]domain.Device
}

func (s *fakeDeviceStore) GetDeviceByID(ctx context.Context, id string) (domain.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return d, nil
}

type fakeReadingStore struct {
	readings []domain.Reading
}

func (s *fakeReadingStore) ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	var out []domain.Reading
	for _, r := range s.readings {
		if r.DeviceID == deviceID && !r.TS.Before(start) && !r.TS.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// TestBucketing24hReproducesScenarioS3 reproduces scenario S3's
// timestamps, bucketing, and power values; energy is within-bucket
// (last - first reading in the same bucket), matching
// device_api_service.py::_build_buckets rather than a running
// cross-bucket delta.
func TestBucketing24hReproducesScenarioS3(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	devices := &fakeDeviceStore{devices: map[string]domain.Device{
		"dev-1": {ID: "dev-1", OwnerID: "user-1"},
	}}
	readings := &fakeReadingStore{readings: []domain.Reading{
		{DeviceID: "dev-1", TS: now.Add(-1 * time.Hour), EnergyKWh: dec("10.0"), Power: decPtr("0.4")},
		{DeviceID: "dev-1", TS: now.Add(-31 * time.Minute), EnergyKWh: dec("10.2"), Power: decPtr("1.4")},
		{DeviceID: "dev-1", TS: now.Add(-7 * time.Minute), EnergyKWh: dec("10.4"), Power: decPtr("1.5")},
		{DeviceID: "dev-1", TS: now.Add(-6 * time.Minute), EnergyKWh: dec("10.7"), Power: decPtr("1.6")},
		{DeviceID: "dev-1", TS: now.Add(-5 * time.Minute), EnergyKWh: dec("11.2"), Power: decPtr("1.7")},
	}}

	agg := NewInMemoryAggregator(devices, readings)
	agg.now = func() time.Time { return now }

	result, err := agg.Query(context.Background(), "dev-1", "user-1", "24h")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if result.Interval != "pt5m" {
		t.Fatalf("expected interval pt5m, got %s", result.Interval)
	}
	if len(result.Points) != 4 {
		t.Fatalf("expected 4 non-empty points, got %d: %+v", len(result.Points), result.Points)
	}

	wantTS := []string{"11:00", "11:25", "11:50", "11:55"}
	// Each bucket's energy is a within-bucket delta (last - first
	// reading inside that bucket), not a running delta across buckets:
	// 11:50 holds two readings (10.4, 10.7), all others hold one.
	wantEnergy := []float64{0.0, 0.0, 0.3, 0.0}
	wantPower := []float64{0.4, 1.4, 1.6, 1.7}

	for i, p := range result.Points {
		if got := p.TS.Format("15:04"); got != wantTS[i] {
			t.Errorf("point %d: expected ts %s, got %s", i, wantTS[i], got)
		}
		if !almostEqual(p.EnergyKWh, wantEnergy[i]) {
			t.Errorf("point %d: expected energy_kwh %.2f, got %.4f", i, wantEnergy[i], p.EnergyKWh)
		}
		if p.PowerKW == nil || !almostEqual(*p.PowerKW, wantPower[i]) {
			t.Errorf("point %d: expected power_kw %.2f, got %v", i, wantPower[i], p.PowerKW)
		}
	}
}

func TestQueryRejectsDeviceNotOwnedByUser(t *testing.T) {
	devices := &fakeDeviceStore{devices: map[string]domain.Device{
		"dev-1": {ID: "dev-1", OwnerID: "owner-a"},
	}}
	agg := NewInMemoryAggregator(devices, &fakeReadingStore{})

	_, err := agg.Query(context.Background(), "dev-1", "owner-b", "24h")
	if err != domain.ErrDeviceNotFound {
		t.Fatalf("expected ErrDeviceNotFound for a mismatched owner, got %v", err)
	}
}

func TestQueryRejectsUnknownWindow(t *testing.T) {
	devices := &fakeDeviceStore{devices: map[string]domain.Device{"dev-1": {ID: "dev-1", OwnerID: "u"}}}
	agg := NewInMemoryAggregator(devices, &fakeReadingStore{})

	_, err := agg.Query(context.Background(), "dev-1", "u", "1y")
	if err == nil {
		t.Fatal("expected an error for an unknown window key")
	}
}

func TestEnergyDeltaClampedNonNegativeOnMeterReset(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	devices := &fakeDeviceStore{devices: map[string]domain.Device{"dev-1": {ID: "dev-1", OwnerID: "u"}}}
	readings := &fakeReadingStore{readings: []domain.Reading{
		{DeviceID: "dev-1", TS: now.Add(-3 * time.Minute), EnergyKWh: dec("50.0")},
		{DeviceID: "dev-1", TS: now.Add(-1 * time.Minute), EnergyKWh: dec("0.5")}, // meter reset
	}}
	agg := NewInMemoryAggregator(devices, readings)
	agg.now = func() time.Time { return now }

	result, err := agg.Query(context.Background(), "dev-1", "u", "24h")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Points) != 1 {
		t.Fatalf("expected both readings to land in the same bucket, got %d points", len(result.Points))
	}
	if result.Points[0].EnergyKWh != 0 {
		t.Fatalf("expected the negative delta to clamp to 0, got %f", result.Points[0].EnergyKWh)
	}
}
