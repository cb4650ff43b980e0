// Package subscription implements the per-device worker supervisor
// (C8): one goroutine per collecting device, reconciled against
// admin-driven device-table mutations.
//
// This is a goroutine-and-context translation of
// original_source/apps/services/subscription_manager.py's asyncio
// task table. Retry happens at two levels: the MQTT pool
// (internal/mqttpool) and the TCP adapter (internal/tcpadapter) each
// retry their own connects, and the worker loop in this package
// applies the shared retry.Policy again to every failed iteration
// (an error from the MQTT subscription, from the TCP adapter's Run
// once its own retries are exhausted, or from the normalizer),
// matching spec.md §4.7's worker algorithm.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/logging"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/mqttpool"
	"github.com/gridline/powermeter/internal/normalizer"
	"github.com/gridline/powermeter/internal/observability"
	"github.com/gridline/powermeter/internal/retry"
	"github.com/gridline/powermeter/internal/subscriber"
	"github.com/gridline/powermeter/internal/tcpadapter"
)

// DeviceStore is the narrow read dependency the supervisor needs to
// refresh a device row and to discover which devices to start at
// boot.
type DeviceStore interface {
	GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error)
	ListDevicesEligible(ctx context.Context) ([]domain.Device, error)
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the set of per-device worker goroutines. Public
// operations mirror spec.md §4.7: Startup, ApplyDevice,
// StartForDevice, StopForDevice, Shutdown.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*worker

	store       DeviceStore
	pool        *mqttpool.Pool
	normalizer  *normalizer.Normalizer
	registry    *subscriber.Registry
	deadLetters *deadletter.Recorder
	metrics     metrics.Metrics
	policy      retry.Policy
	queueDepth  int
}

func New(store DeviceStore, pool *mqttpool.Pool, norm *normalizer.Normalizer, registry *subscriber.Registry, deadLetters *deadletter.Recorder, m metrics.Metrics, policy retry.Policy) *Manager {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Manager{
		workers:     make(map[string]*worker),
		store:       store,
		pool:        pool,
		normalizer:  norm,
		registry:    registry,
		deadLetters: deadLetters,
		metrics:     m,
		policy:      policy,
		queueDepth:  mqttpool.DefaultQueueDepth,
	}
}

// Startup scans the device table for status=ENABLED ∧
// collect_enabled=true and spawns one worker per device.
func (m *Manager) Startup(ctx context.Context) error {
	devices, err := m.store.ListDevicesEligible(ctx)
	if err != nil {
		return fmt.Errorf("subscription: startup: list eligible devices: %w", err)
	}
	for _, d := range devices {
		logging.Op().Info("starting worker at boot", "mac", d.MAC, "ingress", d.IngressType)
		m.StartForDevice(ctx, d)
	}
	return nil
}

// ApplyDevice reconciles a single device against the worker table: a
// device that should collect gets (re)started with the fresh config;
// one that shouldn't is stopped.
func (m *Manager) ApplyDevice(ctx context.Context, device domain.Device) {
	if device.ShouldCollect() {
		m.StartForDevice(ctx, device)
	} else {
		m.StopForDevice(device.MAC)
	}
}

// StartForDevice atomically cancels any existing worker for the MAC
// and installs a new one.
func (m *Manager) StartForDevice(ctx context.Context, device domain.Device) {
	m.StopForDevice(device.MAC)

	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.workers[device.MAC]
	m.workers[device.MAC] = w
	m.mu.Unlock()
	if prev != nil {
		// A concurrent StartForDevice installed a worker after our stop;
		// the swap above displaced it, so stop it before starting ours.
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(w.done)
		m.runDevice(workerCtx, device)
	}()
}

// StopForDevice cancels and awaits the worker task for mac, if any.
// Cancellation errors are swallowed: a cooperative shutdown is not a
// failure.
func (m *Manager) StopForDevice(mac string) {
	m.mu.Lock()
	w, ok := m.workers[mac]
	if ok {
		delete(m.workers, mac)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// Shutdown cancels every worker and awaits them all.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for mac, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, mac)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
	logging.Op().Info("subscription manager stopped all workers")
}

// runDevice is the supervised per-MAC loop: spec.md §4.7 steps 1-7.
func (m *Manager) runDevice(ctx context.Context, device domain.Device) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		fresh, err := m.store.GetDeviceByMAC(ctx, device.MAC)
		if err != nil {
			logging.Op().Error("failed to refresh device row, stopping worker", "mac", device.MAC, "error", err)
			return
		}
		if !fresh.ShouldCollect() {
			logging.Op().Info("device no longer eligible, worker exiting", "mac", fresh.MAC)
			return
		}

		m.registry.Activate(fresh)
		var runErr error
		switch fresh.IngressType {
		case domain.IngressMQTT:
			runErr = m.runMQTT(ctx, fresh)
		case domain.IngressTCP:
			runErr = m.runTCP(ctx, fresh)
		default:
			runErr = fmt.Errorf("subscription: unknown ingress type %q", fresh.IngressType)
		}
		m.registry.Deactivate(fresh.MAC)

		if ctx.Err() != nil {
			return
		}
		if runErr == nil {
			attempt = 0
			continue
		}

		attempt++
		logging.Op().Error("worker iteration failed", "mac", fresh.MAC, "attempt", attempt, "error", runErr)
		m.metrics.IncRetry(fresh.MAC, "worker_error")
		if m.policy.Exceeded(attempt) {
			logging.Op().Error("worker exhausted retry attempts, self-terminating", "mac", fresh.MAC)
			return
		}
		if err := m.policy.Wait(ctx, attempt); err != nil {
			return
		}
	}
}

func (m *Manager) runMQTT(ctx context.Context, device domain.Device) error {
	if err := device.ValidateForMQTT(); err != nil {
		return err
	}
	key := mqttpool.ConnKey{
		Host:     device.Broker,
		Port:     device.Port,
		Username: device.Username,
		Password: device.Password,
		ClientID: device.ClientID,
	}
	queue, err := m.pool.Subscribe(ctx, key, device.SubTopic, device.MAC, device.ID)
	if err != nil {
		return err
	}
	defer m.pool.Unsubscribe(key, device.SubTopic)

	for {
		select {
		case env, ok := <-queue:
			if !ok {
				return nil
			}
			m.registry.RecordSeen(device.MAC, nowUTC())
			spanCtx, span := observability.StartIngestSpan(ctx, device.MAC)
			err := m.normalizer.Normalize(spanCtx, device, env)
			if err != nil {
				observability.SetSpanError(span, err)
			} else {
				observability.SetSpanOK(span)
			}
			span.End()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) runTCP(ctx context.Context, device domain.Device) error {
	a := tcpadapter.New(device.Host, device.TCPPort, device.MAC, device.ID, m.policy, m.metrics, m.deadLetters, m.queueDepth)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- a.Run(ctx) }()

	for {
		select {
		case env := <-a.Out:
			m.registry.RecordSeen(device.MAC, nowUTC())
			spanCtx, span := observability.StartIngestSpan(ctx, device.MAC)
			err := m.normalizer.Normalize(spanCtx, device, env)
			if err != nil {
				observability.SetSpanError(span, err)
			} else {
				observability.SetSpanOK(span)
			}
			span.End()
			if err != nil {
				return err
			}
		case err := <-runErrCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
