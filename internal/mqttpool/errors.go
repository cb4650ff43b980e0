package mqttpool

import "errors"

var (
	// ErrBindingConflict is returned by Subscribe when a topic is
	// already bound to a different MAC on the same connection.
	ErrBindingConflict = errors.New("mqttpool: topic already bound to a different mac")
	// ErrPublishTimeout is returned when the broker doesn't acknowledge
	// a publish within the configured ack timeout.
	ErrPublishTimeout = errors.New("mqttpool: publish ack timeout")
)
