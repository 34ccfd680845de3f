package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if calls != 4 {
		t.Errorf("got %d calls, want 4", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("got %v, want bad request", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 4, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}
