// Package scheduler owns the timer loop that fires report pipeline runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storereport/internal/pipeline"
	"storereport/internal/schedule"
	"storereport/internal/scheduler/history"
)

// PipelineRunner executes one report cycle for a date ("" means yesterday).
type PipelineRunner interface {
	Run(ctx context.Context, date string) pipeline.Outcome
}

// HistoryStore persists execution records for audit. Append failures are
// logged, never surfaced.
type HistoryStore interface {
	Append(ctx context.Context, rec history.Record) error
}

// ExecutionRecord tracks one firing from claim to finish.
type ExecutionRecord struct {
	RunID       string
	JobID       string
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     pipeline.Outcome
	Manual      bool
}

type job struct {
	id      string
	trigger schedule.Trigger

	nextRun   time.Time
	runningAt time.Time // zero when idle
	last      *ExecutionRecord
}

// Scheduler runs registered jobs from a single timer loop. At most one
// execution per job is in flight at any time; an overlapping firing or
// manual trigger is skipped, not queued.
type Scheduler struct {
	runner  PipelineRunner
	history HistoryStore
	logger  *slog.Logger

	maxTimerDelay time.Duration
	timezone      string

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool

	wakeCh chan struct{}
	doneCh chan struct{}
	wakeMu sync.Mutex
	cancel context.CancelFunc

	now func() time.Time
}

func New(runner PipelineRunner, hist HistoryStore, timezone string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:        runner,
		history:       hist,
		logger:        logger,
		maxTimerDelay: 60 * time.Second,
		timezone:      strings.TrimSpace(timezone),
		jobs:          make(map[string]*job),
		wakeCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Register adds a job. An invalid trigger is an error for this job only;
// the caller reports it and the scheduler simply never arms the job.
func (s *Scheduler) Register(id string, trigger schedule.Trigger) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job id is required")
	}
	if err := trigger.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", id, err)
	}
	next, err := trigger.Next(s.now().UTC())
	if err != nil {
		return fmt.Errorf("job %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %q is already registered", id)
	}
	s.jobs[id] = &job{id: id, trigger: trigger, nextRun: next}
	s.order = append(s.order, id)
	s.logger.Info("job registered", "job", id, "expr", trigger.Expr, "next_run", next)
	return nil
}

// Start launches the timer loop. It is a no-op when called twice.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(loopCtx)
}

// Stop cancels the loop and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-s.doneCh

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Scheduler) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.doneCh
}

func (s *Scheduler) Wake() {
	if s == nil {
		return
	}
	s.wakeMu.Lock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	s.wakeMu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	delay := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return
		}
		if delay <= 0 {
			delay = 250 * time.Millisecond
		}
		if delay > s.maxTimerDelay {
			delay = s.maxTimerDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		}

		delay = s.tick(ctx, s.now().UTC())
	}
}

// tick claims and runs every due job, then returns the delay until the next
// fire time.
func (s *Scheduler) tick(ctx context.Context, now time.Time) time.Duration {
	type claim struct {
		j         *job
		scheduled time.Time
	}
	var due []claim

	s.mu.Lock()
	for _, id := range s.order {
		j := s.jobs[id]
		switch j.trigger.Evaluate(j.nextRun, now) {
		case schedule.Wait:
			continue
		case schedule.DropMisfire:
			s.logger.Warn("dropping misfired run", "job", j.id, "scheduled", j.nextRun, "late", now.Sub(j.nextRun))
			s.advanceLocked(j, now)
		case schedule.Fire:
			if !j.runningAt.IsZero() {
				// Still running from a previous firing; coalesce by skipping.
				s.logger.Warn("skipping overlapping run", "job", j.id, "scheduled", j.nextRun, "running_since", j.runningAt)
				s.advanceLocked(j, now)
				continue
			}
			scheduled := j.nextRun
			j.runningAt = now
			s.advanceLocked(j, now)
			due = append(due, claim{j: j, scheduled: scheduled})
		}
	}
	s.mu.Unlock()

	for _, c := range due {
		s.runJob(ctx, c.j, c.scheduled, "", false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := time.Time{}
	for _, id := range s.order {
		j := s.jobs[id]
		if j.nextRun.IsZero() {
			continue
		}
		if next.IsZero() || j.nextRun.Before(next) {
			next = j.nextRun
		}
	}
	if next.IsZero() {
		return s.maxTimerDelay
	}
	return next.Sub(s.now().UTC())
}

func (s *Scheduler) advanceLocked(j *job, now time.Time) {
	next, err := j.trigger.Next(now)
	if err != nil {
		s.logger.Error("cannot compute next run, disarming job", "job", j.id, "err", err)
		j.nextRun = time.Time{}
		return
	}
	j.nextRun = next
}

// runJob executes the pipeline for one claimed firing and finalizes the
// record. A pipeline failure never escapes: the job stays armed.
func (s *Scheduler) runJob(ctx context.Context, j *job, scheduledAt time.Time, date string, manual bool) ExecutionRecord {
	rec := ExecutionRecord{
		RunID:       uuid.NewString(),
		JobID:       j.id,
		ScheduledAt: scheduledAt,
		StartedAt:   s.now().UTC(),
		Manual:      manual,
	}
	s.logger.Info("job starting", "job", j.id, "run_id", rec.RunID, "manual", manual, "date", date)

	rec.Outcome = s.runner.Run(ctx, date)
	rec.FinishedAt = s.now().UTC()

	s.mu.Lock()
	j.runningAt = time.Time{}
	j.last = &rec
	s.mu.Unlock()

	s.appendHistory(rec)
	s.Wake()
	return rec
}

func (s *Scheduler) appendHistory(rec ExecutionRecord) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.history.Append(ctx, history.Record{
		RunID:       rec.RunID,
		JobID:       rec.JobID,
		ScheduledAt: rec.ScheduledAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		ReportDate:  rec.Outcome.ReportDate,
		Success:     rec.Outcome.Success,
		FailedStage: rec.Outcome.FailedStage,
		Err:         rec.Outcome.Err,
		Manual:      rec.Manual,
	})
	if err != nil {
		s.logger.Warn("failed to persist execution record", "run_id", rec.RunID, "err", err)
	}
}

// TriggerNow runs a job out of band. The date is authoritative: it is passed
// through to the pipeline as supplied, and only an empty date falls back to
// "yesterday". When the job is already running the trigger is reported as
// skipped rather than queued.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID, date string) (ExecutionRecord, bool, error) {
	if s == nil {
		return ExecutionRecord{}, false, errors.New("scheduler is nil")
	}
	jobID = strings.TrimSpace(jobID)

	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ExecutionRecord{}, false, fmt.Errorf("unknown job %q", jobID)
	}
	if !j.runningAt.IsZero() {
		runningSince := j.runningAt
		s.mu.Unlock()
		s.logger.Warn("manual trigger skipped, job already running", "job", jobID, "running_since", runningSince)
		return ExecutionRecord{}, true, nil
	}
	now := s.now().UTC()
	j.runningAt = now
	s.mu.Unlock()

	rec := s.runJob(ctx, j, now, strings.TrimSpace(date), true)
	return rec, false, nil
}

// JobStatus is one job's introspection entry.
type JobStatus struct {
	ID          string         `json:"id"`
	Trigger     string         `json:"trigger"`
	NextRunTime *time.Time     `json:"next_run_time,omitempty"`
	Running     bool           `json:"running"`
	LastRun     *LastRunStatus `json:"last_run,omitempty"`
}

type LastRunStatus struct {
	RunID       string `json:"run_id"`
	ReportDate  string `json:"report_date"`
	Success     bool   `json:"success"`
	FailedStage string `json:"failed_stage,omitempty"`
	Err         string `json:"error,omitempty"`
	Manual      bool   `json:"manual"`
	FinishedAt  string `json:"finished_at"`
}

type Status struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Jobs     []JobStatus `json:"jobs"`
}

func (s *Scheduler) Status() Status {
	if s == nil {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.started, Timezone: s.timezone}
	for _, id := range s.order {
		j := s.jobs[id]
		js := JobStatus{ID: j.id, Trigger: j.trigger.Expr, Running: !j.runningAt.IsZero()}
		if !j.nextRun.IsZero() {
			next := j.nextRun
			js.NextRunTime = &next
		}
		if j.last != nil {
			js.LastRun = &LastRunStatus{
				RunID:       j.last.RunID,
				ReportDate:  j.last.Outcome.ReportDate,
				Success:     j.last.Outcome.Success,
				FailedStage: j.last.Outcome.FailedStage,
				Err:         j.last.Outcome.Err,
				Manual:      j.last.Manual,
				FinishedAt:  j.last.FinishedAt.Format(time.RFC3339),
			}
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}
