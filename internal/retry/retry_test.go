package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ligustah/harvest/internal/clock"
)

func TestDelay(t *testing.T) {
	p := Policy{Backoff: 4 * time.Second, MaxBackoff: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 4 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{Attempts: 5, Backoff: time.Second, MaxBackoff: 3 * time.Second, Clock: clk}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDoExhausted(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{Attempts: 3, Backoff: time.Millisecond, Clock: clk}
	sentinel := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoPermanentStops(t *testing.T) {
	p := Policy{Attempts: 5, Clock: clock.NewFake(time.Unix(0, 0))}
	sentinel := errors.New("bad request")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetryablePredicate(t *testing.T) {
	skip := errors.New("skip")
	p := Policy{
		Attempts:  4,
		Clock:     clock.NewFake(time.Unix(0, 0)),
		Retryable: func(err error) bool { return !errors.Is(err, skip) },
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return skip
	})
	if err != skip {
		t.Fatalf("expected skip, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Clock: clock.NewFake(time.Unix(0, 0))}

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("interrupted")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancel, got %d", calls)
	}
}

func TestOnRetry(t *testing.T) {
	var seen []int
	p := Policy{
		Attempts: 3,
		Backoff:  time.Millisecond,
		Clock:    clock.NewFake(time.Unix(0, 0)),
		OnRetry: func(next int, delay time.Duration, err error) {
			seen = append(seen, next)
		},
	}
	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("nope")
	})
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Errorf("unexpected OnRetry sequence: %v", seen)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("x")) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("permanent error not detected")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
