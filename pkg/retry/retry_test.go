package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var testPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     4 * time.Millisecond,
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testPolicy,
		func(error) bool { return true },
		func() error {
			attempts++
			if attempts < 3 {
				return errors.New("flaky")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnNonTransient(t *testing.T) {
	fatal := errors.New("insufficient funds")
	attempts := 0
	err := Do(context.Background(), testPolicy,
		func(error) bool { return false },
		func() error {
			attempts++
			return fatal
		})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the fatal error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-transient error should not retry, got %d attempts", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	flaky := errors.New("timeout")
	attempts := 0
	err := Do(context.Background(), testPolicy,
		func(error) bool { return true },
		func() error {
			attempts++
			return flaky
		})
	if !errors.Is(err, flaky) {
		t.Fatalf("expected the last error back, got %v", err)
	}
	if attempts != testPolicy.MaxAttempts {
		t.Errorf("expected %d attempts, got %d", testPolicy.MaxAttempts, attempts)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, slow,
			func(error) bool { return true },
			func() error { return errors.New("flaky") })
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}
