package mqttpool

import (
	"context"
	"sync"
	"testing"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
)

type countingMetrics struct {
	mu         sync.Mutex
	reconnects map[string]int
	deadLetters map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{reconnects: map[string]int{}, deadLetters: map[string]int{}}
}

func (m *countingMetrics) IncIngress(string)       {}
func (m *countingMetrics) IncCommit()              {}
func (m *countingMetrics) IncDuplicate()           {}
func (m *countingMetrics) IncDeadLetter(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[reason]++
}
func (m *countingMetrics) IncReconnect(mac string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects[mac]++
}
func (m *countingMetrics) IncRetry(string, string)          {}
func (m *countingMetrics) IncAPIRequest(string, string)     {}
func (m *countingMetrics) SetActiveSubscribers(int)         {}
func (m *countingMetrics) SetLagSeconds(string, float64)    {}
func (m *countingMetrics) ObserveIngestLatency(float64)     {}
func (m *countingMetrics) ObserveAPILatency(string, float64) {}
func (m *countingMetrics) ObserveAPIPoints(string, int)      {}

func (m *countingMetrics) count(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadLetters[reason]
}

type memDeadLetterStore struct {
	mu  sync.Mutex
	all []domain.DeadLetter
}

func (s *memDeadLetterStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, dl)
	return nil
}

func newTestPool() (*Pool, *countingMetrics) {
	m := newCountingMetrics()
	dl := deadletter.NewRecorder(&memDeadLetterStore{}, m)
	return New(m, dl, WithQueueDepth(2)), m
}

func testConn(p *Pool) *conn {
	return newConn(ConnKey{Host: "localhost", Port: 1883, ClientID: "test"}, p)
}

func TestSubscribeTopicIdempotent(t *testing.T) {
	p, _ := newTestPool()
	c := testConn(p)

	q1, err := c.subscribeTopic("devices/AA/telemetry", "AA:BB:CC", "dev-1")
	if err != nil {
		t.Fatalf("subscribeTopic: %v", err)
	}
	q2, err := c.subscribeTopic("devices/AA/telemetry", "AA:BB:CC", "dev-1")
	if err != nil {
		t.Fatalf("second subscribeTopic: %v", err)
	}
	if q1 != q2 {
		t.Fatal("expected the same queue for an idempotent resubscribe")
	}
}

func TestSubscribeTopicBindingConflict(t *testing.T) {
	p, _ := newTestPool()
	c := testConn(p)

	if _, err := c.subscribeTopic("devices/AA/telemetry", "AA:BB:CC", "dev-1"); err != nil {
		t.Fatalf("subscribeTopic: %v", err)
	}
	if _, err := c.subscribeTopic("devices/AA/telemetry", "DD:EE:FF", "dev-2"); err != ErrBindingConflict {
		t.Fatalf("expected ErrBindingConflict, got %v", err)
	}
}

func TestOnMessageRoutesAndRejects(t *testing.T) {
	p, m := newTestPool()
	c := testConn(p)

	queue, err := c.subscribeTopic("devices/AA/telemetry", "AABBCC", "dev-1")
	if err != nil {
		t.Fatalf("subscribeTopic: %v", err)
	}

	c.onMessage(nil, &fakeMessage{topic: "devices/AA/telemetry", payload: []byte(`{"mac":"aabbcc","energy":1.5}`)})
	select {
	case env := <-queue:
		if env.MAC != "AABBCC" {
			t.Fatalf("expected routed mac AABBCC, got %s", env.MAC)
		}
	default:
		t.Fatal("expected an envelope to be enqueued")
	}

	c.onMessage(nil, &fakeMessage{topic: "devices/unknown", payload: []byte(`{}`)})
	if got := m.count("unknown_topic"); got != 1 {
		t.Fatalf("expected 1 unknown_topic dead letter, got %d", got)
	}

	c.onMessage(nil, &fakeMessage{topic: "devices/AA/telemetry", payload: []byte(`not json`)})
	if got := m.count("invalid_json"); got != 1 {
		t.Fatalf("expected 1 invalid_json dead letter, got %d", got)
	}

	c.onMessage(nil, &fakeMessage{topic: "devices/AA/telemetry", payload: []byte(`{"mac":"ZZZZZZ","energy":1}`)})
	if got := m.count("mac_mismatch"); got != 1 {
		t.Fatalf("expected 1 mac_mismatch dead letter, got %d", got)
	}
}

func TestEnqueueDropsOldestOnBackpressure(t *testing.T) {
	p, m := newTestPool() // queue depth 2
	c := testConn(p)

	ts := &topicSub{mac: "AA", deviceID: "dev-1", queue: make(chan domain.Envelope, 2)}
	c.enqueue(ts, domain.Envelope{MAC: "AA", Payload: map[string]any{"n": 1}})
	c.enqueue(ts, domain.Envelope{MAC: "AA", Payload: map[string]any{"n": 2}})
	c.enqueue(ts, domain.Envelope{MAC: "AA", Payload: map[string]any{"n": 3}})

	if got := m.count("backpressure"); got != 1 {
		t.Fatalf("expected exactly 1 backpressure drop, got %d", got)
	}

	first := <-ts.queue
	if first.Payload["n"] != 2 {
		t.Fatalf("expected the oldest envelope (n=1) to have been dropped, got n=%v first", first.Payload["n"])
	}
}

func TestOnConnectResubscribesAndCountsReconnectWithRegisteredTopics(t *testing.T) {
	p, m := newTestPool()
	c := testConn(p)

	if _, err := c.subscribeTopic("devices/AA/telemetry", "AABBCC", "dev-1"); err != nil {
		t.Fatalf("subscribeTopic: %v", err)
	}

	fc := &fakeClient{}

	// The topic is registered before onConnect runs, which synthesizes
	// the reconnect case (the real Subscribe path registers a topic only
	// after ensureConnected returns). A single onConnect call must then
	// count one reconnect and resubscribe the registered topic.
	c.mu.Lock()
	c.connected = false
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()
	c.onConnect(fc)

	if got := m.reconnects["AABBCC"]; got != 1 {
		t.Fatalf("expected 1 reconnect after onConnect with pre-registered topics, got %d", got)
	}
	if len(fc.subscribed) != 1 || fc.subscribed[0] != "devices/AA/telemetry" {
		t.Fatalf("expected resubscribe to devices/AA/telemetry, got %v", fc.subscribed)
	}
}

func TestUnsubscribeTopicDisconnectsWhenEmpty(t *testing.T) {
	p, _ := newTestPool()
	c := p.getOrCreate(ConnKey{Host: "localhost", Port: 1883, ClientID: "test"})
	if p.ConnCount() != 1 {
		t.Fatalf("expected the pool to hold the connection before unsubscribing")
	}

	if _, err := c.subscribeTopic("devices/AA/telemetry", "AABBCC", "dev-1"); err != nil {
		t.Fatalf("subscribeTopic: %v", err)
	}
	c.unsubscribeTopic("devices/AA/telemetry")

	if p.ConnCount() != 0 {
		t.Fatalf("expected the pool to drop the connection once its last topic is unsubscribed")
	}
}
