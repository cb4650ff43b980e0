// Package mqttpool implements the shared MQTT connection pool (C6):
// one physical broker connection per (host, port, username, password,
// client_id), fanning inbound messages into bounded per-topic queues
// and transparently resubscribing every topic after a reconnect.
//
// # Background-thread boundary
//
// github.com/eclipse/paho.mqtt.golang delivers OnConnect,
// OnConnectionLost and per-message callbacks from its own internal
// goroutines. Every callback in this package does only: decode,
// look up, enqueue or spawn — it never blocks on a further network
// round trip, per SPEC_FULL.md §4.1–4.10/spec.md §9.
package mqttpool

import (
	"fmt"

	"github.com/gridline/powermeter/internal/domain"
)

// ConnKey identifies a physical connection. Two subscriptions with an
// identical key share one connection; a differing ClientID always
// forces a separate connection, since MQTT session identity is scoped
// to (broker, client_id).
type ConnKey struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Host, k.Port, k.ClientID)
}

func (k ConnKey) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", k.Host, k.Port)
}

// topicSub is the per-topic routing entry: the MAC it is bound to and
// the bounded, single-consumer queue the device worker drains.
type topicSub struct {
	mac      string
	deviceID string
	queue    chan domain.Envelope
}
