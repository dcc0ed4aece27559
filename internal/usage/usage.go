package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
)

var (
	ErrUnknownPlan     = errors.New("unknown plan")
	ErrUnknownCategory = errors.New("unknown usage category")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

type Category string

const (
	CategoryStatusGeneration  Category = "status_generation"
	CategorySummaryGeneration Category = "summary_generation"
)

type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanStartup    Plan = "startup"
	PlanEnterprise Plan = "enterprise"
)

func ParsePlan(raw string) (Plan, error) {
	switch plan := Plan(strings.ToLower(strings.TrimSpace(raw))); plan {
	case PlanBasic, PlanStartup, PlanEnterprise:
		return plan, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, raw)
	}
}

// Limits are monthly generation allowances per plan, before add-ons.
type Limits struct {
	Basic      int `yaml:"basic" json:"basic"`
	Startup    int `yaml:"startup" json:"startup"`
	Enterprise int `yaml:"enterprise" json:"enterprise"`
}

func (l Limits) Validate() error {
	if l.Basic <= 0 || l.Startup <= 0 || l.Enterprise <= 0 {
		return fmt.Errorf("usage limits must all be positive: basic=%d startup=%d enterprise=%d", l.Basic, l.Startup, l.Enterprise)
	}
	return nil
}

func (l Limits) For(plan Plan) (int, error) {
	switch plan {
	case PlanBasic:
		return l.Basic, nil
	case PlanStartup:
		return l.Startup, nil
	case PlanEnterprise:
		return l.Enterprise, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
}

type Counters struct {
	StatusGeneration  int `json:"status_generation"`
	SummaryGeneration int `json:"summary_generation"`
	Total             int `json:"total"`
}

// Record is one organization's usage for one calendar month (UTC).
type Record struct {
	OrganizationID   string    `json:"organizationId"`
	CurrentMonth     string    `json:"currentMonth"`
	Usage            Counters  `json:"usage"`
	AddOnGenerations int       `json:"addOnGenerations"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

type LimitCheck struct {
	Allowed        bool `json:"allowed"`
	Used           int  `json:"used"`
	Limit          int  `json:"limit"`
	AddOnAvailable int  `json:"addOnAvailable"`
}

type TrackResult struct {
	Success       bool `json:"success"`
	LimitExceeded bool `json:"limitExceeded"`
	Used          int  `json:"used"`
	Limit         int  `json:"limit"`
}

type Stats struct {
	Month            string           `json:"month"`
	Plan             Plan             `json:"plan"`
	Used             int              `json:"used"`
	Limit            int              `json:"limit"`
	PlanLimit        int              `json:"planLimit"`
	AddOnGenerations int              `json:"addOnGenerations"`
	Remaining        int              `json:"remaining"`
	ByType           map[Category]int `json:"byType"`
}

// Report is sent to the billing collaborator after each tracked use.
type Report struct {
	OrganizationID string    `json:"organizationId"`
	Category       Category  `json:"category"`
	Quantity       int       `json:"quantity"`
	Month          string    `json:"month"`
	At             time.Time `json:"at"`
}

type BillingReporter interface {
	ReportUsage(ctx context.Context, report Report) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger         Logger
	Now            func() time.Time
	Billing        BillingReporter
	BillingTimeout time.Duration
}

// Ledger keeps monthly usage records in a kv.Backend under
// ai_usage:<org>:<YYYY-MM>. Read-modify-write cycles are serialised per
// organization within this process.
type Ledger struct {
	backend        kv.Backend
	logger         Logger
	now            func() time.Time
	billing        BillingReporter
	billingTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

func NewLedger(backend kv.Backend, opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.BillingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ledger{
		backend:        backend,
		logger:         logger,
		now:            now,
		billing:        opts.Billing,
		billingTimeout: timeout,
		locks:          map[string]*sync.Mutex{},
	}
}

func keyPrefix(organizationID string) string {
	return "ai_usage:" + organizationID + ":"
}

func Key(organizationID, month string) string {
	return keyPrefix(organizationID) + month
}

func (l *Ledger) month() string {
	return l.now().UTC().Format("2006-01")
}

func (l *Ledger) lock(organizationID string) func() {
	l.mu.Lock()
	m, ok := l.locks[organizationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[organizationID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// GetCurrentUsage returns this month's record, creating it on first use with
// zeroed counters and the add-on balance of the latest earlier month.
func (l *Ledger) GetCurrentUsage(ctx context.Context, organizationID string) (Record, error) {
	if strings.TrimSpace(organizationID) == "" {
		return Record{}, kv.ErrInvalidInput
	}
	unlock := l.lock(organizationID)
	defer unlock()
	return l.current(ctx, organizationID)
}

func (l *Ledger) current(ctx context.Context, organizationID string) (Record, error) {
	month := l.month()
	key := Key(organizationID, month)
	record, err := l.read(ctx, key)
	if err == nil && record.CurrentMonth == month {
		return record, nil
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return Record{}, err
	}
	addOn, err := l.carriedAddOn(ctx, organizationID, key)
	if err != nil {
		return Record{}, err
	}
	fresh := Record{
		OrganizationID:   organizationID,
		CurrentMonth:     month,
		AddOnGenerations: addOn,
		LastUpdated:      l.now().UTC(),
	}
	if err := l.write(ctx, key, fresh); err != nil {
		return Record{}, err
	}
	return fresh, nil
}

func (l *Ledger) carriedAddOn(ctx context.Context, organizationID, currentKey string) (int, error) {
	keys, err := l.backend.List(ctx, keyPrefix(organizationID))
	if err != nil {
		return 0, err
	}
	previous := ""
	for _, key := range keys {
		if key < currentKey && key > previous {
			previous = key
		}
	}
	if previous == "" {
		return 0, nil
	}
	record, err := l.read(ctx, previous)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.AddOnGenerations, nil
}

func (l *Ledger) read(ctx context.Context, key string) (Record, error) {
	raw, err := l.backend.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("decode usage record %s: %w", key, err)
	}
	return record, nil
}

func (l *Ledger) write(ctx context.Context, key string, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.backend.Put(ctx, key, raw)
}

func check(record Record, plan Plan, limits Limits) (LimitCheck, error) {
	planLimit, err := limits.For(plan)
	if err != nil {
		return LimitCheck{}, err
	}
	limit := planLimit + record.AddOnGenerations
	return LimitCheck{
		Allowed:        record.Usage.Total < limit,
		Used:           record.Usage.Total,
		Limit:          limit,
		AddOnAvailable: record.AddOnGenerations,
	}, nil
}

func (l *Ledger) CheckLimit(ctx context.Context, organizationID string, plan Plan, limits Limits) (LimitCheck, error) {
	record, err := l.GetCurrentUsage(ctx, organizationID)
	if err != nil {
		return LimitCheck{}, err
	}
	return check(record, plan, limits)
}

// Track records quantity uses of category. When the organization is already
// at its limit nothing is written and LimitExceeded is set.
func (l *Ledger) Track(ctx context.Context, organizationID string, category Category, plan Plan, quantity int, limits Limits) (TrackResult, error) {
	if quantity <= 0 {
		return TrackResult{}, ErrInvalidQuantity
	}
	if category != CategoryStatusGeneration && category != CategorySummaryGeneration {
		return TrackResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if strings.TrimSpace(organizationID) == "" {
		return TrackResult{}, kv.ErrInvalidInput
	}
	unlock := l.lock(organizationID)
	defer unlock()

	record, err := l.current(ctx, organizationID)
	if err != nil {
		return TrackResult{}, err
	}
	limitCheck, err := check(record, plan, limits)
	if err != nil {
		return TrackResult{}, err
	}
	if !limitCheck.Allowed {
		l.logger.Printf("usage: limit exceeded for org %s used=%d limit=%d", organizationID, limitCheck.Used, limitCheck.Limit)
		return TrackResult{LimitExceeded: true, Used: limitCheck.Used, Limit: limitCheck.Limit}, nil
	}
	switch category {
	case CategoryStatusGeneration:
		record.Usage.StatusGeneration += quantity
	case CategorySummaryGeneration:
		record.Usage.SummaryGeneration += quantity
	}
	record.Usage.Total += quantity
	record.LastUpdated = l.now().UTC()
	if err := l.write(ctx, Key(organizationID, record.CurrentMonth), record); err != nil {
		return TrackResult{}, err
	}
	l.logger.Printf("usage: tracked %dx %s for org %s (%d/%d)", quantity, category, organizationID, record.Usage.Total, limitCheck.Limit)
	l.report(ctx, Report{
		OrganizationID: organizationID,
		Category:       category,
		Quantity:       quantity,
		Month:          record.CurrentMonth,
		At:             record.LastUpdated,
	})
	return TrackResult{Success: true, Used: record.Usage.Total, Limit: limitCheck.Limit}, nil
}

// report is fire-and-forget; failures are only logged.
func (l *Ledger) report(ctx context.Context, report Report) {
	if l.billing == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.billingTimeout)
		defer cancel()
		if err := l.billing.ReportUsage(reportCtx, report); err != nil {
			l.logger.Printf("usage: billing report for org %s failed: %v", report.OrganizationID, err)
		}
	}()
}

// AddCredits adds purchased generations. They never expire and carry into
// every later month.
func (l *Ledger) AddCredits(ctx context.Context, organizationID string, quantity int) (Record, error) {
	if quantity <= 0 {
		return Record{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(organizationID) == "" {
		return Record{}, kv.ErrInvalidInput
	}
	unlock := l.lock(organizationID)
	defer unlock()
	record, err := l.current(ctx, organizationID)
	if err != nil {
		return Record{}, err
	}
	record.AddOnGenerations += quantity
	record.LastUpdated = l.now().UTC()
	if err := l.write(ctx, Key(organizationID, record.CurrentMonth), record); err != nil {
		return Record{}, err
	}
	l.logger.Printf("usage: added %d credits for org %s (add-on balance %d)", quantity, organizationID, record.AddOnGenerations)
	return record, nil
}

func (l *Ledger) Stats(ctx context.Context, organizationID string, plan Plan, limits Limits) (Stats, error) {
	record, err := l.GetCurrentUsage(ctx, organizationID)
	if err != nil {
		return Stats{}, err
	}
	planLimit, err := limits.For(plan)
	if err != nil {
		return Stats{}, err
	}
	limit := planLimit + record.AddOnGenerations
	remaining := limit - record.Usage.Total
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Month:            record.CurrentMonth,
		Plan:             plan,
		Used:             record.Usage.Total,
		Limit:            limit,
		PlanLimit:        planLimit,
		AddOnGenerations: record.AddOnGenerations,
		Remaining:        remaining,
		ByType: map[Category]int{
			CategoryStatusGeneration:  record.Usage.StatusGeneration,
			CategorySummaryGeneration: record.Usage.SummaryGeneration,
		},
	}, nil
}

// Wait blocks until in-flight billing reports finish.
func (l *Ledger) Wait() {
	l.wg.Wait()
}
