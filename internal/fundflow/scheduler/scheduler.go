package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundflow/config"
	"fundflow/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc executes one run. ctx carries the run deadline.
type RunFunc func(ctx context.Context) error

// Job is a named run on a cron schedule.
type Job struct {
	Name string
	Spec string // six-field cron spec with seconds
	Run  RunFunc
}

// Scheduler runs jobs on wall-clock schedules, one run at a time across all jobs.
// Each run's deadline is the job's next tick, so a hung run cannot stall the next one.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	loc    *time.Location
	logger *zap.Logger

	mu    sync.Mutex // held for the duration of a run
	specs map[string]cron.Schedule
}

// New creates a scheduler whose runs derive from ctx.
func New(ctx context.Context, loc *time.Location, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	cl := logger.CronLogger(log)
	return &Scheduler{
		ctx: ctx,
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		loc:    loc,
		logger: log,
		specs:  map[string]cron.Schedule{},
	}
}

// Add registers job. An empty spec leaves the job unscheduled.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info("job disabled", zap.String("job", job.Name))
		return nil
	}

	sched, err := config.CronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: parse %q: %w", job.Name, job.Spec, err)
	}
	s.schedule(job, sched)
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

func (s *Scheduler) schedule(job Job, sched cron.Schedule) {
	s.specs[job.Name] = sched
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.invoke(job, sched, time.Now().In(s.loc))
	}))
}

// RunNow runs job immediately, under the same guard and deadline as a scheduled run.
// A job without a schedule gets the default five-minute spec's next tick as its deadline.
func (s *Scheduler) RunNow(job Job) {
	sched, ok := s.specs[job.Name]
	if !ok {
		spec := job.Spec
		if spec == "" {
			spec = config.DefaultFiveMinute
		}
		parsed, err := config.CronParser.Parse(spec)
		if err != nil {
			s.logger.Error("cannot run job", zap.String("job", job.Name), zap.Error(err))
			return
		}
		sched = parsed
	}
	s.invoke(job, sched, time.Now().In(s.loc))
}

// invoke waits for any run in progress, then runs job until the tick after triggered.
// A run whose deadline passed while waiting is skipped.
func (s *Scheduler) invoke(job Job, sched cron.Schedule, triggered time.Time) {
	deadline := sched.Next(triggered)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !time.Now().Before(deadline) {
		s.logger.Warn("skipping stale run",
			zap.String("job", job.Name),
			zap.Time("triggered", triggered),
			zap.Time("deadline", deadline),
		)
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.logger.Info("skipping run after shutdown", zap.String("job", job.Name))
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	start := time.Now()
	s.logger.Info("job started", zap.String("job", job.Name), zap.Time("deadline", deadline))

	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Info("job finished", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
}

// Start begins firing scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron and waits for scheduled runs in progress to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries reports the next fire time of every scheduled job.
func (s *Scheduler) Entries() []time.Time {
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}
