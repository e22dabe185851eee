// Package scheduler runs named background jobs on fixed intervals.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job names used by the engine.
const (
	JobRecovery          = "recovery"
	JobCredentialRefresh = "credential-refresh"
	JobChallengePrune    = "challenge-prune"
	JobMonitoring        = "monitoring"
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single cycle. Default: Interval.
	Timeout time.Duration
	// RunOnStart runs a cycle as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobStatus reports a job's most recent cycle.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type job struct {
	Job

	run     sync.Mutex
	mu      sync.Mutex
	runs    int
	lastRun time.Time
	lastErr error
}

// Scheduler owns a set of jobs. Stop prevents new cycles and waits for
// in-flight cycles to finish; a cycle is never cancelled by Stop.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]*job)}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" {
		return eris.New("scheduler: job name is required")
	}
	if j.Interval <= 0 {
		return eris.Errorf("scheduler: job %s needs a positive interval", j.Name)
	}
	if j.Run == nil {
		return eris.Errorf("scheduler: job %s has no run function", j.Name)
	}
	if j.Timeout <= 0 {
		j.Timeout = j.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return eris.Errorf("scheduler: cannot register %s after start", j.Name)
	}
	if _, dup := s.jobs[j.Name]; dup {
		return eris.Errorf("scheduler: job %s already registered", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start launches one ticker loop per job. Cancelling ctx has the same
// effect as Stop, without waiting.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return eris.New("scheduler: already started")
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(loopCtx, j)
	}
	zap.L().Info("scheduler started",
		zap.String("component", "scheduler"),
		zap.Strings("jobs", s.names()),
	)
	return nil
}

// Stop stops starting new cycles and blocks until running cycles return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	zap.L().Info("scheduler stopped", zap.String("component", "scheduler"))
}

// RunOnce runs the named job synchronously, waiting for any cycle of the
// same job already in flight.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return eris.Errorf("scheduler: unknown job %s", name)
	}
	j.run.Lock()
	defer j.run.Unlock()
	return s.cycle(ctx, j)
}

// Status returns every job's last cycle, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := JobStatus{Name: j.Name, Interval: j.Interval, Runs: j.runs}
		if !j.lastRun.IsZero() {
			t := j.lastRun
			st.LastRun = &t
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	if j.RunOnStart {
		s.tick(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

// tick runs a cycle unless one is still in flight or the loop is stopping.
func (s *Scheduler) tick(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		return
	}
	if !j.run.TryLock() {
		zap.L().Debug("previous cycle still running, skipping",
			zap.String("component", "scheduler"),
			zap.String("job", j.Name),
		)
		return
	}
	defer j.run.Unlock()
	_ = s.cycle(context.WithoutCancel(ctx), j)
}

func (s *Scheduler) cycle(ctx context.Context, j *job) error {
	log := zap.L().With(zap.String("component", "scheduler"), zap.String("job", j.Name))

	cctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(cctx)

	j.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		log.Error("job cycle failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return eris.Wrapf(err, "scheduler: job %s", j.Name)
	}
	log.Debug("job cycle complete", zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Scheduler) names() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
