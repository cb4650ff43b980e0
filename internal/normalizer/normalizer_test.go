package normalizer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/reading"
)

type fakeReadingStore struct {
	committed []domain.Reading
	err       error
}

func (f *fakeReadingStore) InsertReading(ctx context.Context, r domain.Reading) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.committed = append(f.committed, r)
	return true, nil
}

type fakeDeadLetterStore struct {
	rejected []domain.DeadLetter
}

func (f *fakeDeadLetterStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	f.rejected = append(f.rejected, dl)
	return nil
}

func newNormalizer(readingStore reading.InsertStore, dlStore deadletter.InsertStore) *Normalizer {
	return New(reading.NewRecorder(readingStore, nil, nil), deadletter.NewRecorder(dlStore, nil))
}

func TestNormalizeCommitsValidEnvelope(t *testing.T) {
	readingStore := &fakeReadingStore{}
	dlStore := &fakeDeadLetterStore{}
	n := newNormalizer(readingStore, dlStore)

	device := domain.Device{ID: "dev-1", MAC: "AA0000000001"}
	env := domain.Envelope{MAC: device.MAC, Payload: map[string]any{
		"ts":     "2026-01-01T00:00:00Z",
		"energy": "12.5",
		"power":  "100",
	}}

	if err := n.Normalize(context.Background(), device, env); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if len(readingStore.committed) != 1 {
		t.Fatalf("expected one committed reading, got %d", len(readingStore.committed))
	}
	if len(dlStore.rejected) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dlStore.rejected))
	}
	got := readingStore.committed[0]
	want, _ := decimal.NewFromString("12.5")
	if !got.EnergyKWh.Equal(want) {
		t.Fatalf("unexpected energy: %s", got.EnergyKWh)
	}
}

func TestNormalizeDeadLettersMissingEnergy(t *testing.T) {
	readingStore := &fakeReadingStore{}
	dlStore := &fakeDeadLetterStore{}
	n := newNormalizer(readingStore, dlStore)

	device := domain.Device{ID: "dev-1", MAC: "AA0000000001"}
	env := domain.Envelope{MAC: device.MAC, Payload: map[string]any{"ts": "2026-01-01T00:00:00Z"}}

	if err := n.Normalize(context.Background(), device, env); err != nil {
		t.Fatalf("expected nil error (handled via dead letter), got %v", err)
	}
	if len(readingStore.committed) != 0 {
		t.Fatalf("expected no committed readings, got %d", len(readingStore.committed))
	}
	if len(dlStore.rejected) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlStore.rejected))
	}
	if dlStore.rejected[0].FailureReason != "ingest_error:missing_energy" {
		t.Fatalf("unexpected failure reason: %q", dlStore.rejected[0].FailureReason)
	}
}

func TestNormalizeDeadLettersStorageFailure(t *testing.T) {
	readingStore := &fakeReadingStore{err: errors.New("db down")}
	dlStore := &fakeDeadLetterStore{}
	n := newNormalizer(readingStore, dlStore)

	device := domain.Device{ID: "dev-1", MAC: "AA0000000001"}
	env := domain.Envelope{MAC: device.MAC, Payload: map[string]any{"energy": "1.0"}}

	if err := n.Normalize(context.Background(), device, env); err != nil {
		t.Fatalf("expected nil error (handled via dead letter), got %v", err)
	}
	if len(dlStore.rejected) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlStore.rejected))
	}
	if dlStore.rejected[0].FailureReason != "ingest_error:storage_error" {
		t.Fatalf("unexpected failure reason: %q", dlStore.rejected[0].FailureReason)
	}
}

func TestNormalizeUsesDeviceMACWhenPayloadOmitsIt(t *testing.T) {
	readingStore := &fakeReadingStore{}
	dlStore := &fakeDeadLetterStore{}
	n := newNormalizer(readingStore, dlStore)

	device := domain.Device{ID: "dev-1", MAC: "AA0000000001"}
	env := domain.Envelope{Payload: map[string]any{"energy": "1.0"}}

	if err := n.Normalize(context.Background(), device, env); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if readingStore.committed[0].MAC != device.MAC {
		t.Fatalf("expected reading MAC to fall back to device MAC, got %q", readingStore.committed[0].MAC)
	}
}
