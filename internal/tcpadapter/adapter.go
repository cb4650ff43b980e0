// Package tcpadapter implements the line-delimited JSON TCP ingress
// (C7): one connection per device, read with `\n`-delimited UTF-8 JSON
// objects, reconnecting under the shared retry.Policy exactly like the
// MQTT pool's connection lifecycle, but without a broker or
// subscribe/unsubscribe handshake.
package tcpadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/logging"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/retry"
)

// Dialer abstracts net.Dial for tests.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDialer(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Adapter is one device's TCP ingress, mirroring
// original_source/apps/adapters/tcp_adapter.py's connect/listen/
// disconnect lifecycle. Envelopes are pushed onto Out; the caller
// (the C8 device worker) drains it exactly like an MQTT pool queue.
type Adapter struct {
	host, port string
	mac        string
	deviceID   string

	policy      retry.Policy
	metrics     metrics.Metrics
	deadLetters *deadletter.Recorder
	dial        Dialer

	Out chan domain.Envelope

	conn net.Conn
}

// New builds an Adapter. queueDepth matches the MQTT pool's bounded
// per-topic queue (SPEC_FULL.md §4, same backpressure policy).
func New(host string, port int, mac, deviceID string, policy retry.Policy, m metrics.Metrics, deadLetters *deadletter.Recorder, queueDepth int) *Adapter {
	if m == nil {
		m = metrics.NoOp{}
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Adapter{
		host:        host,
		port:        fmt.Sprintf("%d", port),
		mac:         mac,
		deviceID:    deviceID,
		policy:      policy,
		metrics:     m,
		deadLetters: deadLetters,
		dial:        defaultDialer,
		Out:         make(chan domain.Envelope, queueDepth),
	}
}

// Run connects, then listens until the stream ends or ctx is
// cancelled, reconnecting with the retry policy in between. It
// returns only when ctx is done or the retry policy is exhausted —
// the caller (device worker) treats the latter as a permanent
// failure per spec.md §7.
func (a *Adapter) Run(ctx context.Context) error {
	for attempt := 1; ; {
		if err := a.connect(ctx, attempt); err != nil {
			return err
		}
		attempt = 1 // a successful connect resets the attempt counter

		streamErr := a.listen(ctx)
		a.disconnect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Op().Warn("tcp stream ended, reconnecting", "mac", a.mac, "error", streamErr)
		attempt++
	}
}

func (a *Adapter) connect(ctx context.Context, startAttempt int) error {
	for attempt := startAttempt; ; attempt++ {
		if a.policy.Exceeded(attempt) {
			return fmt.Errorf("tcpadapter: %s: %w", a.mac, retry.ErrMaxAttempts)
		}
		conn, err := a.dial(ctx, "tcp", net.JoinHostPort(a.host, a.port))
		if err == nil {
			a.conn = conn
			a.metrics.IncReconnect(a.mac)
			logging.Op().Info("tcp connected", "mac", a.mac, "host", a.host, "port", a.port)
			return nil
		}
		a.metrics.IncRetry(a.mac, classifyDialErr(err))
		if werr := a.policy.Wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}

// listen reads `\n`-delimited JSON lines until the stream ends (EOF)
// or errors, per spec.md §4.6. Malformed lines are dead-lettered and
// skipped, not treated as a stream failure.
func (a *Adapter) listen(ctx context.Context) error {
	scanner := bufio.NewScanner(a.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			_ = a.deadLetters.Reject(ctx, a.deviceID, a.mac, map[string]any{"raw": string(line)}, "invalid_json", false, nil)
			continue
		}

		mac := a.mac
		if m, ok := payload["mac"].(string); ok && m != "" {
			mac = strings.ToUpper(m)
		}

		a.metrics.IncIngress(a.mac)
		env := domain.Envelope{MAC: mac, Payload: payload}
		select {
		case a.Out <- env:
		default:
			select {
			case dropped := <-a.Out:
				_ = a.deadLetters.Reject(ctx, a.deviceID, a.mac, dropped.Payload, "backpressure", false, nil)
			default:
			}
			select {
			case a.Out <- env:
			default:
				_ = a.deadLetters.Reject(ctx, a.deviceID, a.mac, payload, "backpressure", false, nil)
			}
		}
	}
	return scanner.Err()
}

// disconnect closes the connection and resets the lag gauge, mirroring
// tcp_adapter.py's disconnect().
func (a *Adapter) disconnect() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.metrics.SetLagSeconds(a.mac, 0)
}

func classifyDialErr(err error) string {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return "timeout"
	}
	return "connection_error"
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}
