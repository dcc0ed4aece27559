package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRunNowAndRemove(t *testing.T) {
	s := New(Options{})
	defer s.Stop()
	var runs int32
	err := s.Add(Task{
		Name:     "dispatch",
		Schedule: "* * * * *",
		Enabled:  true,
		Handler: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := s.Add(Task{Name: "dispatch", Schedule: "* * * * *", Enabled: true, Handler: func(context.Context) error { return nil }}); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	if err := s.RunNow("dispatch"); err != nil {
		t.Fatalf("run now failed: %v", err)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}
	if err := s.Remove("dispatch"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.RunNow("dispatch"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDisabledTaskIsSkipped(t *testing.T) {
	s := New(Options{})
	defer s.Stop()
	if err := s.Add(Task{Name: "resync", Schedule: "0 * * * *", Handler: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("expected no registered tasks, got %v", s.Names())
	}
}

func TestInvalidScheduleIsRejected(t *testing.T) {
	s := New(Options{})
	defer s.Stop()
	if err := s.Add(Task{Name: "bad", Schedule: "not a cron", Enabled: true, Handler: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected invalid cron expression to fail")
	}
}

func TestStartedSchedulerRunsEveryTask(t *testing.T) {
	s := New(Options{Timeout: time.Second})
	done := make(chan struct{}, 1)
	if err := s.Add(Task{
		Name:     "tick",
		Schedule: "@every 50ms",
		Enabled:  true,
		Handler: func(ctx context.Context) error {
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	s.Start()
	defer s.Stop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected the task to run")
	}
}
