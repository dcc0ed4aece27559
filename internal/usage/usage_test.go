package usage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type recordingBilling struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (b *recordingBilling) ReportUsage(_ context.Context, report Report) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, report)
	return b.err
}

var testLimits = Limits{Basic: 3, Startup: 10, Enterprise: 100}

func newTestLedger(backend kv.Backend, now *time.Time, billing BillingReporter) *Ledger {
	return NewLedger(backend, Options{
		Logger:  discardLogger{},
		Now:     func() time.Time { return *now },
		Billing: billing,
	})
}

func TestMonthRolloverCarriesAddOns(t *testing.T) {
	backend := kv.NewMemoryBackend()
	ctx := context.Background()
	january := Record{OrganizationID: "org_1", CurrentMonth: "2024-01", Usage: Counters{StatusGeneration: 40, Total: 40}, AddOnGenerations: 25}
	raw, _ := json.Marshal(january)
	if err := backend.Put(ctx, Key("org_1", "2024-01"), raw); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	now := time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC)
	ledger := newTestLedger(backend, &now, nil)

	record, err := ledger.GetCurrentUsage(ctx, "org_1")
	if err != nil {
		t.Fatalf("get usage failed: %v", err)
	}
	if record.CurrentMonth != "2024-02" || record.AddOnGenerations != 25 {
		t.Fatalf("expected February record with 25 add-ons, got %+v", record)
	}
	if record.Usage != (Counters{}) {
		t.Fatalf("expected zeroed counters, got %+v", record.Usage)
	}
	if _, err := backend.Get(ctx, Key("org_1", "2024-02")); err != nil {
		t.Fatalf("expected February record persisted, got %v", err)
	}
}

func TestCarryForwardPicksLatestEarlierMonth(t *testing.T) {
	backend := kv.NewMemoryBackend()
	ctx := context.Background()
	for month, addOn := range map[string]int{"2023-11": 5, "2023-12": 9} {
		raw, _ := json.Marshal(Record{OrganizationID: "org_1", CurrentMonth: month, AddOnGenerations: addOn})
		_ = backend.Put(ctx, Key("org_1", month), raw)
	}
	raw, _ := json.Marshal(Record{OrganizationID: "org_10", CurrentMonth: "2023-12", AddOnGenerations: 99})
	_ = backend.Put(ctx, Key("org_10", "2023-12"), raw)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	record, err := newTestLedger(backend, &now, nil).GetCurrentUsage(ctx, "org_1")
	if err != nil {
		t.Fatalf("get usage failed: %v", err)
	}
	if record.AddOnGenerations != 9 {
		t.Fatalf("expected add-ons from 2023-12, got %d", record.AddOnGenerations)
	}
}

func TestTrackStopsAtLimitWithoutMutating(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	billing := &recordingBilling{}
	ledger := newTestLedger(kv.NewMemoryBackend(), &now, billing)

	for i := 0; i < 3; i++ {
		result, err := ledger.Track(ctx, "org_1", CategoryStatusGeneration, PlanBasic, 1, testLimits)
		if err != nil || !result.Success {
			t.Fatalf("track %d failed: %+v %v", i, result, err)
		}
	}
	check, err := ledger.CheckLimit(ctx, "org_1", PlanBasic, testLimits)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if check.Allowed || check.Used != 3 || check.Limit != 3 {
		t.Fatalf("expected limit reached, got %+v", check)
	}
	result, err := ledger.Track(ctx, "org_1", CategorySummaryGeneration, PlanBasic, 1, testLimits)
	if err != nil {
		t.Fatalf("track over limit returned error: %v", err)
	}
	if result.Success || !result.LimitExceeded {
		t.Fatalf("expected limit exceeded, got %+v", result)
	}
	record, _ := ledger.GetCurrentUsage(ctx, "org_1")
	if record.Usage.Total != 3 || record.Usage.SummaryGeneration != 0 {
		t.Fatalf("expected counters untouched, got %+v", record.Usage)
	}
	check, _ = ledger.CheckLimit(ctx, "org_1", PlanBasic, testLimits)
	if check.Allowed {
		t.Fatalf("expected check to stay false after a rejected track")
	}
	ledger.Wait()
	if len(billing.reports) != 3 {
		t.Fatalf("expected 3 billing reports, got %d", len(billing.reports))
	}
}

func TestAddCreditsRaisesLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ledger := newTestLedger(kv.NewMemoryBackend(), &now, nil)
	for i := 0; i < 3; i++ {
		_, _ = ledger.Track(ctx, "org_1", CategoryStatusGeneration, PlanBasic, 1, testLimits)
	}
	if _, err := ledger.AddCredits(ctx, "org_1", 2); err != nil {
		t.Fatalf("add credits failed: %v", err)
	}
	stats, err := ledger.Stats(ctx, "org_1", PlanBasic, testLimits)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Limit != 5 || stats.PlanLimit != 3 || stats.Remaining != 2 || stats.ByType[CategoryStatusGeneration] != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	stats, _ = ledger.Stats(ctx, "org_1", PlanBasic, testLimits)
	if stats.Used != 0 || stats.AddOnGenerations != 2 || stats.Remaining != 5 {
		t.Fatalf("expected add-ons to survive rollover, got %+v", stats)
	}
	if _, err := ledger.AddCredits(ctx, "org_1", 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestBillingFailureDoesNotFailTrack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	billing := &recordingBilling{err: errors.New("stripe down")}
	ledger := newTestLedger(kv.NewMemoryBackend(), &now, billing)
	result, err := ledger.Track(ctx, "org_1", CategoryStatusGeneration, PlanStartup, 2, testLimits)
	if err != nil || !result.Success || result.Used != 2 {
		t.Fatalf("expected success despite billing failure, got %+v %v", result, err)
	}
	ledger.Wait()
	if len(billing.reports) != 1 || billing.reports[0].Quantity != 2 || billing.reports[0].Month != "2026-05" {
		t.Fatalf("unexpected reports %+v", billing.reports)
	}
}

func TestConcurrentTrackDoesNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	backend, err := kv.NewFileBackend(filepath.Join(t.TempDir(), "usage.json"))
	if err != nil {
		t.Fatalf("file backend failed: %v", err)
	}
	ledger := newTestLedger(backend, &now, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ledger.Track(ctx, "org_1", CategoryStatusGeneration, PlanEnterprise, 1, testLimits)
		}()
	}
	wg.Wait()
	record, _ := ledger.GetCurrentUsage(ctx, "org_1")
	if record.Usage.Total != 20 {
		t.Fatalf("expected 20 tracked uses, got %d", record.Usage.Total)
	}
}

func TestPlanAndLimitValidation(t *testing.T) {
	if _, err := ParsePlan("Startup"); err != nil {
		t.Fatalf("parse plan failed: %v", err)
	}
	if _, err := ParsePlan("gold"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if err := (Limits{Basic: 1, Startup: 1}).Validate(); err == nil {
		t.Fatalf("expected missing enterprise limit to fail validation")
	}
	if _, err := testLimits.For(Plan("gold")); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}
