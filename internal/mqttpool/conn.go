package mqttpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/logging"
)

// conn is one physical broker connection, shared by every topic bound
// to the same ConnKey. All paho callbacks (onConnect, onLost,
// onMessage) run on paho's own goroutines and must return quickly:
// they parse, look up, enqueue or spawn, and nothing else.
type conn struct {
	key  ConnKey
	pool *Pool

	client mqtt.Client

	mu          sync.Mutex
	connected   bool
	topics      map[string]*topicSub // topic -> routing entry
	connectedCh chan struct{}        // closed when connected flips true
	reconnecting bool

	// connectMu serializes physical Connect() attempts: the caller
	// that wins it performs the connect, everyone else waits on
	// connectedCh.
	connectMu sync.Mutex
}

func newConn(key ConnKey, pool *Pool) *conn {
	c := &conn{
		key:         key,
		pool:        pool,
		topics:      make(map[string]*topicSub),
		connectedCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(key.brokerURL())
	opts.SetClientID(key.ClientID)
	if key.Username != "" {
		opts.SetUsername(key.Username)
	}
	if key.Password != "" {
		opts.SetPassword(key.Password)
	}
	// Reconnection is driven by this package's own retry.Policy, not
	// paho's built-in backoff, so the pool can observe and count
	// reconnect attempts.
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

// ensureConnected returns once the connection is up, connecting it
// first if necessary. Concurrent callers all converge on the same
// attempt.
func (c *conn) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	waitCh := c.connectedCh
	c.mu.Unlock()

	if c.connectMu.TryLock() {
		err := c.connectWithRetry(ctx)
		c.connectMu.Unlock()
		return err
	}

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectWithRetry applies the pool's retry.Policy across Connect()
// attempts. Called with connectMu held by the caller.
func (c *conn) connectWithRetry(ctx context.Context) error {
	policy := c.pool.retryPolicy
	for attempt := 1; ; attempt++ {
		token := c.client.Connect()
		if token.WaitTimeout(30 * time.Second) {
			if err := token.Error(); err == nil {
				c.mu.Lock()
				ch := c.connectedCh
				c.mu.Unlock()
				select {
				case <-ch:
					return nil
				case <-time.After(5 * time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			} else {
				logging.Op().Warn("mqtt connect failed", "conn", c.key.String(), "attempt", attempt, "error", err)
			}
		}

		if policy.Exceeded(attempt) {
			return fmt.Errorf("mqttpool: %s: %w", c.key.String(), policy.Wait(ctx, attempt))
		}
		if err := policy.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// onConnect runs on paho's goroutine. It flips connected, unblocks
// every ensureConnected waiter, then resubscribes every bound topic
// (a no-op on first connect, since Subscribe registers topics only
// after ensureConnected returns).
func (c *conn) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.reconnecting = false
	close(c.connectedCh)
	topics := make(map[string]*topicSub, len(c.topics))
	for topic, ts := range c.topics {
		topics[topic] = ts
	}
	isReconnect := len(topics) > 0
	c.mu.Unlock()

	for topic, ts := range topics {
		ts := ts
		client.Subscribe(topic, 0, c.onMessage)
		if isReconnect {
			c.pool.metrics.IncReconnect(ts.mac)
		}
	}
}

// onConnectionLost runs on paho's goroutine. It marks the connection
// down and schedules (at most one) reconnect task.
func (c *conn) onConnectionLost(client mqtt.Client, err error) {
	logging.Op().Warn("mqtt connection lost", "conn", c.key.String(), "error", err)

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.reconnecting = true
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		c.connectMu.Lock()
		defer c.connectMu.Unlock()
		_ = c.connectWithRetry(context.Background())
	}()
}

// onMessage runs on paho's goroutine: decode, route, enqueue. Never
// blocks on anything beyond the bounded, non-blocking enqueue below.
func (c *conn) onMessage(client mqtt.Client, msg mqtt.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		c.pool.rejectUnrouted(context.Background(), "", "", map[string]any{"raw": string(msg.Payload())}, "invalid_json")
		return
	}

	c.mu.Lock()
	ts, ok := c.topics[msg.Topic()]
	c.mu.Unlock()
	if !ok {
		c.pool.rejectUnrouted(context.Background(), "", "", payload, "unknown_topic")
		return
	}

	mac := strings.ToUpper(fmt.Sprintf("%v", payload["mac"]))
	if mac != "" && mac != ts.mac {
		c.pool.rejectUnrouted(context.Background(), ts.deviceID, ts.mac, payload, "mac_mismatch")
		return
	}

	c.enqueue(ts, domain.Envelope{MAC: ts.mac, Payload: payload})
	c.pool.metrics.IncIngress(ts.mac)
}

// enqueue is a non-blocking bounded send: a full queue drops its
// oldest envelope and records a backpressure dead letter rather than
// blocking the paho callback goroutine.
func (c *conn) enqueue(ts *topicSub, env domain.Envelope) {
	select {
	case ts.queue <- env:
		return
	default:
	}

	select {
	case dropped := <-ts.queue:
		c.pool.rejectUnrouted(context.Background(), ts.deviceID, ts.mac, dropped.Payload, "backpressure")
	default:
	}

	select {
	case ts.queue <- env:
	default:
		c.pool.rejectUnrouted(context.Background(), ts.deviceID, ts.mac, env.Payload, "backpressure")
	}
}

// subscribeTopic registers topic -> mac, issuing the broker SUBSCRIBE
// immediately if the connection is already up (otherwise onConnect
// will issue it once connected). Re-registering the same (topic, mac)
// is idempotent; a different mac on an already-bound topic fails.
func (c *conn) subscribeTopic(topic, mac, deviceID string) (<-chan domain.Envelope, error) {
	c.mu.Lock()
	if existing, ok := c.topics[topic]; ok {
		if existing.mac != mac {
			c.mu.Unlock()
			return nil, ErrBindingConflict
		}
		queue := existing.queue
		c.mu.Unlock()
		return queue, nil
	}

	ts := &topicSub{mac: mac, deviceID: deviceID, queue: make(chan domain.Envelope, c.pool.queueDepth)}
	c.topics[topic] = ts
	connected := c.connected
	c.mu.Unlock()

	if connected {
		c.client.Subscribe(topic, 0, c.onMessage)
	}
	return ts.queue, nil
}

func (c *conn) unsubscribeTopic(topic string) {
	c.mu.Lock()
	_, ok := c.topics[topic]
	if ok {
		delete(c.topics, topic)
	}
	connected := c.connected
	empty := len(c.topics) == 0
	c.mu.Unlock()

	if !ok {
		return
	}
	if connected {
		c.client.Unsubscribe(topic)
	}
	if empty {
		c.disconnect()
	}
}

// publish waits for the broker ack up to the pool's configured
// timeout, then disconnects the connection if it is carrying no
// subscriptions (outbound-only connections aren't left idle).
func (c *conn) publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqttpool: marshal publish payload: %w", err)
	}

	token := c.client.Publish(topic, 0, false, body)
	timeout := c.pool.publishAckTimeout
	if timeout <= 0 {
		timeout = DefaultPublishAckTimeout
	}

	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqttpool: publish: %w", err)
		}
	case <-time.After(timeout):
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	empty := len(c.topics) == 0
	c.mu.Unlock()
	if empty {
		c.disconnect()
	}
	return nil
}

// disconnect tears down the physical connection and removes this conn
// from the pool so a future Subscribe/Publish on the same key starts
// fresh rather than resurrecting a stopped client.
func (c *conn) disconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.client.Disconnect(250)
	}
	c.pool.remove(c.key, c)
}
