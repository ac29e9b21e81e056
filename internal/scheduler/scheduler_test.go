package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunIsFixedDelay(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: 5 * time.Second}, zerolog.Nop())

	var sleeps []time.Duration
	s.after = func(d time.Duration) <-chan time.Time {
		sleeps = append(sleeps, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles []uint64
	err := s.Run(ctx, func(ctx context.Context, cycle uint64) error {
		cycles = append(cycles, cycle)
		if cycle == 2 {
			return errors.New("source down")
		}
		if cycle == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(cycles) != 3 || cycles[0] != 1 || cycles[2] != 3 {
		t.Fatalf("a failing tick must not stop the loop, cycles=%v", cycles)
	}

	want := []time.Duration{5 * time.Second, time.Minute, time.Minute, time.Minute}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, sleeps[i], want[i])
		}
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
