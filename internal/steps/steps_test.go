package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
)

type permanentErr struct{}

func (permanentErr) Error() string   { return "forbidden" }
func (permanentErr) Permanent() bool { return true }

func newTestRunner(t *testing.T, journal kv.Backend) (*Runner, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	runner := NewRunner(journal, Options{Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}})
	return runner, &slept
}

func TestDoSkipsCompletedStepOnReplay(t *testing.T) {
	journal := kv.NewMemoryBackend()
	runner, _ := newTestRunner(t, journal)
	ctx := context.Background()
	calls := 0
	body := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	first, err := Do(ctx, runner.Start("wf-1"), "collect", body)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	// A fresh runner over the same journal stands in for a restarted process.
	restarted, _ := newTestRunner(t, journal)
	second, err := Do(ctx, restarted.Start("wf-1"), "collect", body)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected body to run once, ran %d times", calls)
	}
	if len(second) != 2 || second[0] != first[0] || second[1] != first[1] {
		t.Fatalf("expected journaled result %v, got %v", first, second)
	}
	if _, err := Do(ctx, runner.Start("wf-2"), "collect", body); err != nil {
		t.Fatalf("other instance failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a different instance to run the body, calls=%d", calls)
	}
}

func TestDoRetriesWithExponentialBackoff(t *testing.T) {
	runner, slept := newTestRunner(t, nil)
	attempts := 0
	out, err := Do(context.Background(), runner.Start("wf"), "flaky", func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("temporary")
		}
		return 7, nil
	}, WithRetry(RetryPolicy{Limit: 3, Delay: 30 * time.Second, Backoff: BackoffExponential}))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != 7 || attempts != 3 {
		t.Fatalf("unexpected out=%d attempts=%d", out, attempts)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("expected delays %v, got %v", want, *slept)
	}
}

func TestDoGivesUpAfterLimit(t *testing.T) {
	runner, slept := newTestRunner(t, nil)
	attempts := 0
	cause := errors.New("down")
	_, err := Do(context.Background(), runner.Start("wf"), "always-fails", func(context.Context) (int, error) {
		attempts++
		return 0, cause
	}, WithRetry(RetryPolicy{Limit: 2, Delay: time.Second, Backoff: BackoffFixed}))
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
	if attempts != 3 || stepErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d)", attempts, stepErr.Attempts)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != time.Second {
		t.Fatalf("expected fixed delays, got %v", *slept)
	}
	done, _ := runner.Completed(context.Background(), "wf", "always-fails")
	if done {
		t.Fatalf("failed step must not be journaled")
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	runner, slept := newTestRunner(t, nil)
	attempts := 0
	_, err := Do(context.Background(), runner.Start("wf"), "auth", func(context.Context) (int, error) {
		attempts++
		return 0, permanentErr{}
	})
	if err == nil || attempts != 1 || len(*slept) != 0 {
		t.Fatalf("expected a single attempt, got attempts=%d slept=%v err=%v", attempts, *slept, err)
	}
}

func TestRunStopsAtFirstFailureAndResumes(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	ctx := context.Background()
	var order []string
	fail := true
	noRetry := RetryPolicy{}
	steps := []Step{
		{Name: "one", Fn: func(context.Context) error { order = append(order, "one"); return nil }},
		{Name: "two", Retry: &noRetry, Fn: func(context.Context) error {
			order = append(order, "two")
			if fail {
				return errors.New("boom")
			}
			return nil
		}},
		{Name: "three", Fn: func(context.Context) error { order = append(order, "three"); return nil }},
	}
	if err := runner.Run(ctx, "wf", steps); err == nil {
		t.Fatalf("expected failure")
	}
	fail = false
	if err := runner.Run(ctx, "wf", steps); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	want := []string{"one", "two", "two", "three"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestInstancesAndForget(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	ctx := context.Background()
	for _, id := range []string{"sync:a", "sync:b", "delete:a"} {
		if err := runner.Run(ctx, id, []Step{{Name: "s", Fn: func(context.Context) error { return nil }}}); err != nil {
			t.Fatalf("run %s failed: %v", id, err)
		}
	}
	ids, err := runner.Instances(ctx, "sync:")
	if err != nil {
		t.Fatalf("instances failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sync:a" || ids[1] != "sync:b" {
		t.Fatalf("unexpected instances %v", ids)
	}
	if err := runner.Forget(ctx, "sync:a"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	ids, _ = runner.Instances(ctx, "sync:")
	if len(ids) != 1 || ids[0] != "sync:b" {
		t.Fatalf("expected only sync:b left, got %v", ids)
	}
}

func TestRetriedByStepMarksRetriedBodies(t *testing.T) {
	runner, _ := newTestRunner(t, nil)
	wf := runner.Start("wf")
	if RetriedByStep(context.Background()) {
		t.Fatalf("expected a plain context to be unmarked")
	}
	retried, err := Do(context.Background(), wf, "retried", func(ctx context.Context) (bool, error) {
		return RetriedByStep(ctx), nil
	})
	if err != nil || !retried {
		t.Fatalf("expected the default policy to mark the body, got %v %v", retried, err)
	}
	once, err := Do(context.Background(), wf, "once", func(ctx context.Context) (bool, error) {
		return RetriedByStep(ctx), nil
	}, NoRetry())
	if err != nil || once {
		t.Fatalf("expected a single-attempt step to stay unmarked, got %v %v", once, err)
	}
}
