package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/pkg/clock"
)

var (
	ErrUnknownHandler = errors.New("unknown job handler")
	ErrInvalidSpec    = errors.New("invalid job schedule")
)

// Args are the string parameters persisted with a job and handed to its handler.
type Args map[string]string

// HandlerFunc runs one fire of a job. Returned errors are logged and never retried.
type HandlerFunc func(ctx context.Context, args Args) error

// Job is a snapshot of a pending schedule entry.
type Job struct {
	Key     string         `json:"key"`
	Handler string         `json:"handler"`
	Kind    models.JobKind `json:"kind"`
	Spec    string         `json:"spec,omitempty"`
	RunAt   time.Time      `json:"run_at"`
	Args    Args           `json:"args,omitempty"`
}

type Options struct {
	// Disabled loads and persists jobs but never starts the dispatcher.
	Disabled     bool
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	Location     *time.Location
}

type entry struct {
	job      Job
	schedule cron.Schedule
}

// Engine is a durable keyed job scheduler. Every job lives in the JobStore
// until it has run, so jobs survive a process restart.
type Engine struct {
	opts   Options
	store  JobStore
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	jobs     map[string]*entry
	inFlight map[string]int

	// persistMu orders store writes against the post-run cleanup of one-shot jobs.
	persistMu sync.Mutex

	running atomic.Bool
	queue   chan Job
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options, store JobStore, clk clock.Clock, logger *zap.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Engine{
		opts:     opts,
		store:    store,
		clock:    clk,
		logger:   logger.Named("scheduler"),
		handlers: make(map[string]HandlerFunc),
		jobs:     make(map[string]*entry),
		inFlight: make(map[string]int),
	}
}

// Register binds a handler name used by persisted jobs. Handlers must be
// registered before Start so reloaded jobs can be resolved.
func (e *Engine) Register(name string, handler HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// ScheduleOnce registers a one-shot job, replacing any pending job with the same key.
func (e *Engine) ScheduleOnce(ctx context.Context, runAt time.Time, key, handler string, args Args) error {
	return e.schedule(ctx, Job{
		Key:     key,
		Handler: handler,
		Kind:    models.JobOnce,
		RunAt:   runAt.UTC(),
		Args:    args,
	}, nil)
}

// ScheduleInterval registers a recurring job firing every interval.
func (e *Engine) ScheduleInterval(ctx context.Context, every time.Duration, key, handler string, args Args) error {
	if every <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSpec, every)
	}
	return e.ScheduleCron(ctx, "@every "+every.String(), key, handler, args)
}

// ScheduleCron registers a recurring job from a standard cron expression or descriptor.
func (e *Engine) ScheduleCron(ctx context.Context, spec, key, handler string, args Args) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}

	job := Job{
		Key:     key,
		Handler: handler,
		Kind:    models.JobRecurring,
		Spec:    spec,
		Args:    args,
	}

	// Re-registering an unchanged recurring job keeps its cadence across restarts.
	e.mu.Lock()
	if existing, ok := e.jobs[key]; ok && existing.job.Kind == models.JobRecurring &&
		existing.job.Spec == spec && existing.job.Handler == handler {
		job.RunAt = existing.job.RunAt
	}
	e.mu.Unlock()

	if job.RunAt.IsZero() {
		job.RunAt = e.next(schedule, e.clock.Now())
	}

	return e.schedule(ctx, job, schedule)
}

func (e *Engine) schedule(ctx context.Context, job Job, schedule cron.Schedule) error {
	if job.Key == "" {
		return errors.New("job key is required")
	}

	e.mu.Lock()
	_, known := e.handlers[job.Handler]
	e.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, job.Handler)
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if err := e.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.Key, err)
	}

	e.mu.Lock()
	e.jobs[job.Key] = &entry{job: job, schedule: schedule}
	e.mu.Unlock()

	e.logger.Debug("Job scheduled",
		zap.String("key", job.Key),
		zap.String("handler", job.Handler),
		zap.String("kind", string(job.Kind)),
		zap.Time("run_at", job.RunAt))
	return nil
}

// Cancel removes a pending job. Cancelling an unknown key is not an error.
// A run that is already in flight is not interrupted.
func (e *Engine) Cancel(ctx context.Context, key string) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	_, existed := e.jobs[key]
	delete(e.jobs, key)
	e.mu.Unlock()

	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", key, err)
	}
	if existed {
		e.logger.Debug("Job cancelled", zap.String("key", key))
	}
	return nil
}

// Pending reports whether key is waiting to fire or currently running.
func (e *Engine) Pending(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[key]
	return ok || e.inFlight[key] > 0
}

// Jobs returns the pending jobs ordered by next run time.
func (e *Engine) Jobs() []Job {
	e.mu.Lock()
	jobs := make([]Job, 0, len(e.jobs))
	for _, en := range e.jobs {
		jobs = append(jobs, en.job)
	}
	e.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].RunAt.Equal(jobs[j].RunAt) {
			return jobs[i].Key < jobs[j].Key
		}
		return jobs[i].RunAt.Before(jobs[j].RunAt)
	})
	return jobs
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Start reloads persisted jobs and, unless disabled, starts the dispatcher
// and worker pool. Jobs whose run time already passed fire on the first tick.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil
	}

	if err := e.reload(ctx); err != nil {
		return err
	}

	if e.opts.Disabled {
		e.logger.Info("Scheduler dispatch is disabled", zap.Int("jobs", len(e.Jobs())))
		return nil
	}

	e.queue = make(chan Job, e.opts.Workers*4)
	e.stopCh = make(chan struct{})

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.worker(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ctx)
	}()

	e.running.Store(true)
	e.logger.Info("Scheduler started",
		zap.Int("workers", e.opts.Workers),
		zap.Duration("poll_interval", e.opts.PollInterval),
		zap.Int("jobs", len(e.Jobs())))
	return nil
}

// Stop halts dispatching and waits for in-flight jobs until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Scheduler shutdown completed")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Scheduler shutdown timed out with jobs still running")
		return ctx.Err()
	}
}

// RunDue executes every job due at the current clock time on the calling
// goroutine and returns how many ran.
func (e *Engine) RunDue(ctx context.Context) int {
	due := e.collectDue(e.clock.Now())
	for _, job := range due {
		e.execute(ctx, job)
	}
	return len(due)
}

func (e *Engine) reload(ctx context.Context) error {
	stored, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.inFlight = make(map[string]int)
	for _, job := range stored {
		if _, ok := e.handlers[job.Handler]; !ok {
			e.logger.Warn("Skipping job with unregistered handler",
				zap.String("key", job.Key),
				zap.String("handler", job.Handler))
			continue
		}

		en := &entry{job: job}
		if job.Kind == models.JobRecurring {
			schedule, err := cron.ParseStandard(job.Spec)
			if err != nil {
				e.logger.Warn("Skipping job with invalid spec",
					zap.String("key", job.Key),
					zap.String("spec", job.Spec),
					zap.Error(err))
				continue
			}
			en.schedule = schedule
		}
		e.jobs[job.Key] = en
	}

	e.logger.Info("Jobs reloaded", zap.Int("stored", len(stored)), zap.Int("active", len(e.jobs)))
	return nil
}

// collectDue removes due one-shot jobs from the pending set and advances
// recurring ones. Returned jobs are marked in flight.
func (e *Engine) collectDue(now time.Time) []Job {
	var due []Job
	var advanced []Job

	e.mu.Lock()
	for key, en := range e.jobs {
		if en.job.RunAt.After(now) {
			continue
		}

		if en.job.Kind == models.JobRecurring {
			running := e.inFlight[key] > 0
			en.job.RunAt = e.next(en.schedule, now)
			advanced = append(advanced, en.job)
			if running {
				e.logger.Debug("Skipping overlapping run", zap.String("key", key))
				continue
			}
			due = append(due, en.job)
			e.inFlight[key]++
			continue
		}

		delete(e.jobs, key)
		due = append(due, en.job)
		e.inFlight[key]++
	}
	e.mu.Unlock()

	for _, job := range advanced {
		e.persistNext(job.Key)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due
}

// persistNext stores the advanced run time of a recurring job that is still registered.
func (e *Engine) persistNext(key string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	en, ok := e.jobs[key]
	var job Job
	if ok {
		job = en.job
	}
	e.mu.Unlock()

	if !ok || job.Kind != models.JobRecurring {
		return
	}
	if err := e.store.Save(context.Background(), job); err != nil {
		e.logger.Error("Failed to persist next run", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range e.collectDue(e.clock.Now()) {
				select {
				case e.queue <- job:
				case <-e.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case job := <-e.queue:
			e.execute(ctx, job)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) execute(ctx context.Context, job Job) {
	defer e.finish(job)

	e.mu.Lock()
	handler := e.handlers[job.Handler]
	e.mu.Unlock()

	runCtx := ctx
	if e.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := e.invoke(runCtx, handler, job)
	duration := time.Since(start)

	if err != nil {
		e.logger.Error("Job failed",
			zap.String("key", job.Key),
			zap.String("handler", job.Handler),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	e.logger.Debug("Job completed",
		zap.String("key", job.Key),
		zap.String("handler", job.Handler),
		zap.Duration("duration", duration))
}

func (e *Engine) invoke(ctx context.Context, handler HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			e.logger.Error("Job panic recovered",
				zap.String("key", job.Key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if handler == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, job.Handler)
	}
	return handler(ctx, job.Args)
}

// finish clears the in-flight mark and drops the stored row of a one-shot
// job unless its handler scheduled the same key again.
func (e *Engine) finish(job Job) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	if e.inFlight[job.Key] <= 1 {
		delete(e.inFlight, job.Key)
	} else {
		e.inFlight[job.Key]--
	}
	_, rescheduled := e.jobs[job.Key]
	e.mu.Unlock()

	if job.Kind != models.JobOnce || rescheduled {
		return
	}
	if err := e.store.Delete(context.Background(), job.Key); err != nil {
		e.logger.Error("Failed to delete finished job", zap.String("key", job.Key), zap.Error(err))
	}
}

func (e *Engine) next(schedule cron.Schedule, from time.Time) time.Time {
	return schedule.Next(from.In(e.opts.Location)).UTC()
}
