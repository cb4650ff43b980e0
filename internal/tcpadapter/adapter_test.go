package tcpadapter

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gridline/powermeter/internal/deadletter"
	"github.com/gridline/powermeter/internal/domain"
	"github.com/gridline/powermeter/internal/metrics"
	"github.com/gridline/powermeter/internal/retry"
)

type memDeadLetterStore struct{ all []domain.DeadLetter }

func (s *memDeadLetterStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	s.all = append(s.all, dl)
	return nil
}

func TestAdapterParsesLinesAndDeadLettersInvalidJSON(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	store := &memDeadLetterStore{}
	a := New("ignored", 0, "AABBCC", "dev-1", retry.Default(), metrics.NoOp{}, deadletter.NewRecorder(store, metrics.NoOp{}), 4)
	a.dial = func(ctx context.Context, network, address string) (net.Conn, error) { return client, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	go func() {
		server.Write([]byte("{\"mac\":\"aabbcc\",\"energy\":1.5}\n"))
		server.Write([]byte("not json\n"))
		server.Close()
	}()

	select {
	case env := <-a.Out:
		if env.MAC != "AABBCC" {
			t.Fatalf("expected uppercased mac AABBCC, got %s", env.MAC)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	cancel()
	<-done

	found := false
	for _, dl := range store.all {
		if dl.FailureReason == "invalid_json" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the malformed line to be dead-lettered as invalid_json")
	}
}

func TestAdapterConnectFailsAfterMaxAttempts(t *testing.T) {
	store := &memDeadLetterStore{}
	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}
	a := New("ignored", 0, "AABBCC", "dev-1", policy, metrics.NoOp{}, deadletter.NewRecorder(store, metrics.NoOp{}), 4)
	attempts := 0
	a.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		attempts++
		return nil, &net.OpError{Op: "dial", Err: errDial}
	}

	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail once retry attempts are exhausted")
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", attempts)
	}
}

var errDial = &net.AddrError{Err: "refused", Addr: "127.0.0.1:0"}
