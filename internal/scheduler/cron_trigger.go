package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// JobFunc is the callback a trigger job invokes on every firing
type JobFunc func(ctx context.Context) error

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

type triggerJob struct {
	name     string
	interval time.Duration
	fn       JobFunc
	entryID  cron.EntryID

	running atomic.Bool

	mu        sync.Mutex
	runs      int64
	lastRun   *time.Time
	lastError string
}

// CronTrigger fires named recurring jobs at fixed intervals
type CronTrigger struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*triggerJob
	ctx     context.Context
	started bool

	inflight sync.WaitGroup
}

// NewCronTrigger creates a new trigger
func NewCronTrigger(logger *zap.Logger) *CronTrigger {
	logger = logger.Named("cron")
	cl := &cronLogger{logger: logger.Sugar()}

	return &CronTrigger{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		jobs: make(map[string]*triggerJob),
		ctx:  context.Background(),
	}
}

// AddJob registers a named job firing every interval. Intervals are
// rounded down to whole seconds with a one second minimum.
func (t *CronTrigger) AddJob(name string, interval time.Duration, fn JobFunc) error {
	if name == "" {
		return errors.New("job name is required")
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: callback is required", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	job := &triggerJob{name: name, interval: interval, fn: fn}
	job.entryID = t.cron.Schedule(cron.Every(interval), t.cronJob(job))
	t.jobs[name] = job

	t.logger.Info("Added job",
		zap.String("name", name),
		zap.Duration("interval", interval))
	return nil
}

// Start starts firing jobs. ctx is handed to every callback and should
// outlive Stop so an in-flight run can finish.
func (t *CronTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.ctx = ctx
	t.started = true
	t.mu.Unlock()

	t.cron.Start()
	t.logger.Info("Trigger started", zap.Int("jobs", len(t.Status())))
}

// Stop stops firing jobs and waits for in-flight runs until ctx expires.
func (t *CronTrigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()

	cronDone := t.cron.Stop()
	manualDone := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(manualDone)
	}()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return fmt.Errorf("trigger stop: %w", ctx.Err())
	}
	select {
	case <-manualDone:
	case <-ctx.Done():
		return fmt.Errorf("trigger stop: %w", ctx.Err())
	}

	t.logger.Info("Trigger stopped")
	return nil
}

// RunNow runs the named job immediately and returns its error.
func (t *CronTrigger) RunNow(ctx context.Context, name string) error {
	t.mu.RLock()
	job, ok := t.jobs[name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	t.inflight.Add(1)
	defer t.inflight.Done()

	ran, err := t.run(ctx, job)
	if !ran {
		return fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	return err
}

// RestartJob resets the named job's timer and run state without touching
// other jobs. It reports whether the job exists.
func (t *CronTrigger) RestartJob(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[name]
	if !ok {
		return false
	}

	t.cron.Remove(job.entryID)

	job.mu.Lock()
	job.runs = 0
	job.lastRun = nil
	job.lastError = ""
	job.mu.Unlock()

	job.entryID = t.cron.Schedule(cron.Every(job.interval), t.cronJob(job))

	t.logger.Info("Restarted job", zap.String("name", name))
	return true
}

// JobStatus returns the status of a single job
func (t *CronTrigger) JobStatus(name string) (model.JobStatus, error) {
	t.mu.RLock()
	job, ok := t.jobs[name]
	t.mu.RUnlock()
	if !ok {
		return model.JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return t.status(job), nil
}

// Status returns every job's status ordered by name
func (t *CronTrigger) Status() []model.JobStatus {
	t.mu.RLock()
	jobs := make([]*triggerJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, job)
	}
	t.mu.RUnlock()

	statuses := make([]model.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		statuses = append(statuses, t.status(job))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (t *CronTrigger) status(job *triggerJob) model.JobStatus {
	t.mu.RLock()
	entryID := job.entryID
	t.mu.RUnlock()

	job.mu.Lock()
	st := model.JobStatus{
		Name:      job.name,
		Interval:  job.interval,
		Running:   job.running.Load(),
		Runs:      job.runs,
		LastError: job.lastError,
	}
	if job.lastRun != nil {
		last := *job.lastRun
		st.LastRun = &last
	}
	job.mu.Unlock()

	if entry := t.cron.Entry(entryID); entry.Valid() && !entry.Next.IsZero() {
		next := entry.Next
		st.NextRun = &next
	}
	return st
}

func (t *CronTrigger) cronJob(job *triggerJob) cron.Job {
	return cron.FuncJob(func() {
		t.mu.RLock()
		ctx := t.ctx
		t.mu.RUnlock()

		if ran, _ := t.run(ctx, job); !ran {
			t.logger.Warn("Skipping job run, previous run still in flight",
				zap.String("name", job.name))
		}
	})
}

// run executes the job unless a previous run is still in flight. A failing
// callback is recorded and the job stays scheduled.
func (t *CronTrigger) run(ctx context.Context, job *triggerJob) (bool, error) {
	if !job.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer job.running.Store(false)

	started := time.Now()
	err := t.safeCall(ctx, job)

	job.mu.Lock()
	job.runs++
	job.lastRun = &started
	if err != nil {
		job.lastError = err.Error()
	} else {
		job.lastError = ""
	}
	job.mu.Unlock()

	if err != nil {
		t.logger.Error("Job run failed",
			zap.String("name", job.name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
	} else {
		t.logger.Debug("Job run completed",
			zap.String("name", job.name),
			zap.Duration("duration", time.Since(started)))
	}
	return true, err
}

func (t *CronTrigger) safeCall(ctx context.Context, job *triggerJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.name, r)
		}
	}()
	return job.fn(ctx)
}
