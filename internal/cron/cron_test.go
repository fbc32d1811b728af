package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestServiceStartStop(t *testing.T) {
	var runs atomic.Int32
	s := NewService("@every 1h", func(ctx context.Context) {
		runs.Add(1)
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}
	s.Stop()

	// Restart after a clean stop must work.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()

	if runs.Load() != 0 {
		t.Errorf("flush ran %d times on an hourly schedule", runs.Load())
	}
}

func TestServiceBadSchedule(t *testing.T) {
	s := NewService("not a schedule", func(ctx context.Context) {})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("invalid schedule must fail at Start")
	}
	// A failed Start leaves the service usable with a corrected schedule.
	s.schedule = "@every 1h"
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after fix: %v", err)
	}
	s.Stop()
}

func TestExecuteRunsFlushAndRecordsStats(t *testing.T) {
	var runs atomic.Int32
	s := NewService("@every 1h", func(ctx context.Context) {
		runs.Add(1)
	})

	s.execute(context.Background())
	s.execute(context.Background())

	if runs.Load() != 2 {
		t.Fatalf("flush ran %d times, want 2", runs.Load())
	}
	lastRun, count := s.Stats()
	if count != 2 {
		t.Errorf("run count = %d, want 2", count)
	}
	if time.Since(lastRun) > time.Minute {
		t.Errorf("lastRun not recorded: %v", lastRun)
	}
}

func TestExecuteSkipsCancelledContext(t *testing.T) {
	var runs atomic.Int32
	s := NewService("@every 1h", func(ctx context.Context) {
		runs.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.execute(ctx)

	if runs.Load() != 0 {
		t.Error("flush must not run with a cancelled context")
	}
	if _, count := s.Stats(); count != 0 {
		t.Errorf("run count = %d, want 0", count)
	}
}

func TestServiceNilFlush(t *testing.T) {
	s := NewService("@every 1h", nil)
	s.execute(context.Background())
	if _, count := s.Stats(); count != 0 {
		t.Errorf("nil flush must not count runs, got %d", count)
	}
}
