package mqttpool

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already-resolved mqtt.Token for tests that don't
// talk to a real broker.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool  { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient records Subscribe/Unsubscribe calls without touching the
// network, so onConnect's resubscribe-on-reconnect behaviour can be
// exercised directly.
type fakeClient struct {
	mqtt.Client
	subscribed   []string
	unsubscribed []string
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.subscribed = append(f.subscribed, topic)
	return &fakeToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return &fakeToken{}
}

func (f *fakeClient) IsConnected() bool { return true }

// fakeMessage implements mqtt.Message for onMessage tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
