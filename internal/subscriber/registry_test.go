package subscriber

import (
	"testing"
	"time"

	"github.com/gridline/powermeter/internal/domain"
)

func TestActivateAndDeactivate(t *testing.T) {
	r := New(nil)
	device := domain.Device{MAC: "AA0000000001"}

	if r.Active(device.MAC) {
		t.Fatal("expected not active before Activate")
	}

	r.Activate(device)
	if !r.Active(device.MAC) {
		t.Fatal("expected active after Activate")
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Device.MAC != device.MAC {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	r.Deactivate(device.MAC)
	if r.Active(device.MAC) {
		t.Fatal("expected not active after Deactivate")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after Deactivate")
	}
}

func TestRecordSeenUpdatesLag(t *testing.T) {
	r := New(nil)
	device := domain.Device{MAC: "AA0000000002"}
	r.Activate(device)

	past := time.Now().UTC().Add(-5 * time.Second)
	r.RecordSeen(device.MAC, past)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one record, got %d", len(snap))
	}
	if snap[0].LagSeconds < 4 {
		t.Fatalf("expected lag of at least 4s, got %f", snap[0].LagSeconds)
	}
}

func TestRecordSeenIgnoresUnknownMAC(t *testing.T) {
	r := New(nil)
	// Must not panic when the MAC was never activated.
	r.RecordSeen("UNKNOWNMAC01", time.Now().UTC())
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected no records for an unknown MAC")
	}
}
