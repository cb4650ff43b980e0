package mqttpool

import (
	"context"
	"sync"
	"time"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/retry"
)

// DefaultQueueDepth is the per-topic queue bound chosen for SPEC_FULL.md §4
// / spec.md §9's open question: large enough to absorb a multi-second
// burst from a single meter (one reading every few seconds) while
// still bounding memory under a broker replay storm. Overflow drops
// the oldest queued envelope and records a "backpressure" dead
// letter.
const DefaultQueueDepth = 256

// DefaultPublishAckTimeout bounds how long Publish waits for a broker
// acknowledgement before surfacing a connection error.
const DefaultPublishAckTimeout = 5 * time.Second

// Pool owns every physical MQTT connection shared across devices,
// keyed by ConnKey.
type Pool struct {
	mu    sync.Mutex
	conns map[ConnKey]*conn

	queueDepth        int
	publishAckTimeout time.Duration
	retryPolicy       retry.Policy
	metrics           metrics.Metrics
	deadLetters       *deadletter.Recorder
}

// Option configures a Pool at construction time.
type Option func(*Pool)

func WithQueueDepth(n int) Option           { return func(p *Pool) { p.queueDepth = n } }
func WithPublishAckTimeout(d time.Duration) Option { return func(p *Pool) { p.publishAckTimeout = d } }
func WithRetryPolicy(r retry.Policy) Option  { return func(p *Pool) { p.retryPolicy = r } }

// New builds a Pool. deadLetters receives invalid_json, unknown_topic,
// mac_mismatch and backpressure rejections (spec.md §4.5).
func New(m metrics.Metrics, deadLetters *deadletter.Recorder, opts ...Option) *Pool {
	if m == nil {
		m = metrics.NoOp{}
	}
	p := &Pool{
		conns:             make(map[ConnKey]*conn),
		queueDepth:        DefaultQueueDepth,
		publishAckTimeout: DefaultPublishAckTimeout,
		retryPolicy:       retry.Default(),
		metrics:           m,
		deadLetters:       deadLetters,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe ensures the (shared) physical connection for key is
// connected, then binds topic to mac, returning the queue the caller
// (a device worker) drains. Calling again with the same (key, topic,
// mac) returns the same queue; calling with a different mac fails
// with ErrBindingConflict (spec.md §8 round-trip property).
func (p *Pool) Subscribe(ctx context.Context, key ConnKey, topic, mac, deviceID string) (<-chan domain.Envelope, error) {
	c := p.getOrCreate(key)
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c.subscribeTopic(topic, mac, deviceID)
}

// Unsubscribe removes the topic binding. If the connection's routing
// table becomes empty, the physical connection is closed.
func (p *Pool) Unsubscribe(key ConnKey, topic string) {
	p.mu.Lock()
	c, ok := p.conns[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	c.unsubscribeTopic(topic)
}

// Publish ensures key's connection is up, publishes payload as
// compact JSON at QoS 0 not retained, and awaits the broker ack.
func (p *Pool) Publish(ctx context.Context, key ConnKey, topic string, payload any) error {
	c := p.getOrCreate(key)
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	return c.publish(ctx, topic, payload)
}

func (p *Pool) getOrCreate(key ConnKey) *conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[key]; ok {
		return c
	}
	c := newConn(key, p)
	p.conns[key] = c
	return c
}

func (p *Pool) remove(key ConnKey, self *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[key] == self {
		delete(p.conns, key)
	}
}

// ConnCount reports the number of live physical connections, for
// introspection/tests.
func (p *Pool) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) rejectUnrouted(ctx context.Context, deviceID, mac string, payload map[string]any, reason string) {
	_ = p.deadLetters.Reject(ctx, deviceID, mac, payload, reason, false, nil)
}
