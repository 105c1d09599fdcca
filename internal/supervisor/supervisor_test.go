package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetwatch/internal/logging"
)

func TestSuperviseRestartsWithBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(logging.Nop())
	var backoffs []time.Duration
	s.wait = func(ctx context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	runs := 0
	var failures []error
	boom := errors.New("boom")
	loop := Loop{
		Name: "membership",
		Run: func(ctx context.Context) error {
			runs++
			switch runs {
			case 1:
				return boom
			case 2:
				panic("bad state")
			default:
				cancel()
				<-ctx.Done()
				return ctx.Err()
			}
		},
		OnFailure: func(err error) { failures = append(failures, err) },
		Backoff:   5 * time.Second,
	}

	s.Supervise(ctx, loop)

	if runs != 3 {
		t.Fatalf("runs: got %d, want 3", runs)
	}
	if len(failures) != 2 || !errors.Is(failures[0], boom) {
		t.Fatalf("failures: got %v", failures)
	}
	if len(backoffs) != 2 || backoffs[0] != 5*time.Second || backoffs[1] != 5*time.Second {
		t.Fatalf("backoffs: got %v", backoffs)
	}

	st := s.Status()["membership"]
	if st.State != Stopped {
		t.Fatalf("state: got %s, want stopped", st.State)
	}
	if st.Restarts != 2 {
		t.Fatalf("restarts: got %d, want 2", st.Restarts)
	}
	if st.LastErr == "" {
		t.Fatal("last error not recorded")
	}
}

func TestSuperviseStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(logging.Nop())
	s.wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	runs := 0
	s.Supervise(ctx, Loop{
		Name:    "telemetry",
		Run:     func(context.Context) error { runs++; return nil },
		Backoff: time.Second,
	})

	if runs != 1 {
		t.Fatalf("runs: got %d, want 1", runs)
	}
	if st := s.Status()["telemetry"]; st.State != Stopped || st.Restarts != 0 {
		t.Fatalf("status: got %+v", st)
	}
}

func TestStateText(t *testing.T) {
	text, _ := Backoff.MarshalText()
	if string(text) != "backoff" {
		t.Fatalf("got %q", text)
	}
}
