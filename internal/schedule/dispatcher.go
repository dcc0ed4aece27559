package schedule

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/store"
)

// Handler executes one schedule run. resume is set when the run was left
// running by an earlier process.
type Handler func(ctx context.Context, runID string, resume bool) error

type DispatcherOptions struct {
	Logger Logger
	// StaleAfter is how long a run may stay running before it is resumed.
	StaleAfter time.Duration
}

// Dispatcher starts due schedule runs by config name. Runs execute in the
// background on the dispatcher's own context; Stop cancels them.
type Dispatcher struct {
	store      *store.Store
	logger     Logger
	staleAfter time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	handlers map[Name]Handler
	inflight map[string]struct{}
}

func NewDispatcher(st *store.Store, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      st,
		logger:     logger,
		staleAfter: staleAfter,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   map[Name]Handler{},
		inflight:   map[string]struct{}{},
	}
}

func (d *Dispatcher) Register(name Name, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[Name(name)]
	return h, ok
}

type TickResult struct {
	Dispatched int `json:"dispatched"`
	Resumed    int `json:"resumed"`
	Unhandled  int `json:"unhandled"`
	// InFlight counts runs skipped because an earlier tick is still
	// executing them.
	InFlight int `json:"inFlight"`
}

// Tick starts every pending run due at now and resumes runs stuck in running
// for longer than StaleAfter, then returns without waiting for them. A run
// already executing in this process is not started again. Runs whose
// schedule name has no handler stay pending.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var result TickResult
	due, err := d.store.DueRuns(ctx, now)
	if err != nil {
		return result, err
	}
	stale, err := d.store.StaleRunningRuns(ctx, now.Add(-d.staleAfter))
	if err != nil {
		return result, err
	}
	for _, run := range due {
		d.start(run, false, &result)
	}
	for _, run := range stale {
		d.start(run, true, &result)
	}
	return result, nil
}

func (d *Dispatcher) start(run store.ScheduleRun, resume bool, result *TickResult) {
	h, ok := d.handler(run.Schedule.Name)
	if !ok {
		d.logger.Printf("dispatch: no handler for schedule %s (%s), run %s left %s", run.ScheduleID, run.Schedule.Name, run.ID, run.Status)
		result.Unhandled++
		return
	}
	d.mu.Lock()
	if _, busy := d.inflight[run.ID]; busy {
		d.mu.Unlock()
		result.InFlight++
		return
	}
	d.inflight[run.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	if resume {
		d.logger.Printf("dispatch: resuming run %s running since %v", run.ID, run.LastExecutionAt)
		result.Resumed++
	} else {
		result.Dispatched++
	}
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, run.ID)
			d.mu.Unlock()
			d.wg.Done()
		}()
		if err := h(d.ctx, run.ID, resume); err != nil {
			d.logger.Printf("dispatch: run %s of schedule %s failed: %v", run.ID, run.ScheduleID, err)
		}
	}()
}

// Wait blocks until every started run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop cancels running handlers and waits for them. A cancelled run stays
// running and is resumed by a later tick once it goes stale.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
