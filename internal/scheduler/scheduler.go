package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

var (
	ErrTaskExists   = errors.New("task already registered")
	ErrTaskNotFound = errors.New("task not found")
)

// Task is a named cron job. Schedule accepts five-field cron expressions and
// "@every <duration>".
type Task struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	Handler     func(ctx context.Context) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	// Timeout bounds one task execution; zero means no limit.
	Timeout time.Duration
}

// Service runs registered tasks on a UTC gocron scheduler. A task never
// overlaps with its own previous execution.
type Service struct {
	scheduler *gocron.Scheduler
	logger    Logger
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.Mutex
	tasks map[string]Task
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
		timeout:   opts.Timeout,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     map[string]Task{},
	}
}

// Add registers task. Disabled tasks are skipped without error.
func (s *Service) Add(task Task) error {
	if task.Name == "" || task.Handler == nil {
		return fmt.Errorf("task name and handler are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.Name)
	}
	if !task.Enabled {
		s.logger.Printf("scheduler: skipping disabled task %s", task.Name)
		return nil
	}
	_, err := s.scheduler.Cron(task.Schedule).SingletonMode().Tag(task.Name).Do(func() {
		if err := s.execute(task); err != nil {
			s.logger.Printf("scheduler: task %s failed: %v", task.Name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule task %s (%s): %w", task.Name, task.Schedule, err)
	}
	s.tasks[task.Name] = task
	s.logger.Printf("scheduler: registered %s (%s)", task.Name, task.Schedule)
	return nil
}

func (s *Service) execute(task Task) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return task.Handler(ctx)
}

func (s *Service) Start() {
	s.logger.Printf("scheduler: starting with %d task(s)", len(s.Names()))
	s.scheduler.StartAsync()
}

// Stop halts the scheduler and cancels the context of running tasks.
func (s *Service) Stop() {
	s.scheduler.Stop()
	s.cancel()
}

// RunNow executes the task synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.execute(task)
}

func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	delete(s.tasks, name)
	return s.scheduler.RemoveByTag(name)
}

func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
