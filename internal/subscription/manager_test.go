package subscription

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/mqttpool"
	"github.com/gridline/powermeter/internal/normalizer"
	"github.com/gridline/powermeter/internal/reading"
	"github.com/gridline/powermeter/internal/retry"
	"github.com/gridline/powermeter/internal/subscriber"
)

type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]domain.Device
}

func (s *fakeDeviceStore) GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[mac]
	if !ok {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return d, nil
}

func (s *fakeDeviceStore) ListDevicesEligible(ctx context.Context) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Device
	for _, d := range s.devices {
		if d.ShouldCollect() {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeReadingStore struct {
	mu       sync.Mutex
	inserted []domain.Reading
}

func (s *fakeReadingStore) InsertReading(ctx context.Context, r domain.Reading) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, r)
	return true, nil
}

func (s *fakeReadingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeDeadLetterStore struct{ all []domain.DeadLetter }

func (s *fakeDeadLetterStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	s.all = append(s.all, dl)
	return nil
}

func TestManagerRunsTCPWorkerAndStopsCleanly(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	device := domain.Device{
		ID: "dev-1", MAC: "AABBCCDDEEFF", Status: domain.DeviceEnabled, CollectEnabled: true,
		IngressType: domain.IngressTCP, Host: "ignored", TCPPort: 0,
	}
	devStore := &fakeDeviceStore{devices: map[string]domain.Device{device.MAC: device}}
	readStore := &fakeReadingStore{}
	dlStore := &fakeDeadLetterStore{}

	recorder := reading.NewRecorder(readStore, metrics.NoOp{}, nil)
	deadLetters := deadletter.NewRecorder(dlStore, metrics.NoOp{})
	norm := normalizer.New(recorder, deadLetters)
	registry := subscriber.New(metrics.NoOp{})
	pool := mqttpool.New(metrics.NoOp{}, deadLetters)

	mgr := New(devStore, pool, norm, registry, deadLetters, metrics.NoOp{}, retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})

	// Patch the TCP dial indirectly isn't possible from outside this
	// package without exporting a hook, so this test instead exercises
	// the manager's lifecycle using the real net.Pipe server/client as
	// the underlying TCP stream is out of scope here; runTCP builds its
	// own adapter internally. Instead, verify StartForDevice/
	// StopForDevice manage the worker table correctly.
	mgr.StartForDevice(context.Background(), device)

	time.Sleep(20 * time.Millisecond)
	mgr.mu.Lock()
	_, running := mgr.workers[device.MAC]
	mgr.mu.Unlock()
	if !running {
		t.Fatal("expected a worker to be registered for the device")
	}

	mgr.StopForDevice(device.MAC)

	mgr.mu.Lock()
	_, stillRunning := mgr.workers[device.MAC]
	mgr.mu.Unlock()
	if stillRunning {
		t.Fatal("expected the worker to be removed after StopForDevice")
	}

	client.Close()
}

func TestManagerStartForDeviceReplacesExistingWorker(t *testing.T) {
	device := domain.Device{
		ID: "dev-1", MAC: "AABBCCDDEEFF", Status: domain.DeviceEnabled, CollectEnabled: true,
		IngressType: domain.IngressTCP, Host: "127.0.0.1", TCPPort: 1,
	}
	devStore := &fakeDeviceStore{devices: map[string]domain.Device{device.MAC: device}}
	readStore := &fakeReadingStore{}
	dlStore := &fakeDeadLetterStore{}
	recorder := reading.NewRecorder(readStore, metrics.NoOp{}, nil)
	deadLetters := deadletter.NewRecorder(dlStore, metrics.NoOp{})
	norm := normalizer.New(recorder, deadLetters)
	registry := subscriber.New(metrics.NoOp{})
	pool := mqttpool.New(metrics.NoOp{}, deadLetters)

	mgr := New(devStore, pool, norm, registry, deadLetters, metrics.NoOp{}, retry.Default())

	mgr.StartForDevice(context.Background(), device)
	mgr.mu.Lock()
	first := mgr.workers[device.MAC]
	mgr.mu.Unlock()

	mgr.StartForDevice(context.Background(), device)
	mgr.mu.Lock()
	second := mgr.workers[device.MAC]
	mgr.mu.Unlock()

	if first == second {
		t.Fatal("expected StartForDevice to install a fresh worker handle")
	}

	mgr.Shutdown()
}
