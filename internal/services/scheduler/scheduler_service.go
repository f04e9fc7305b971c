package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// HandlerFunc is the callback a scheduled job fires
type HandlerFunc func(ctx context.Context) error

// TriggerSpec describes a recurring trigger to persist
type TriggerSpec struct {
	Name          string
	Handler       string
	Expression    string // Cron expression or descriptor such as "@every 30m"
	MisfirePolicy models.MisfirePolicy
	MisfireGrace  time.Duration
}

// Service fires persisted scheduled jobs. Due jobs are read from storage on
// every tick, so a restart picks up exactly where the store left off.
type Service struct {
	storage  interfaces.ScheduledJobStorage
	notifier interfaces.NotificationService
	parser   cron.Parser
	logger   arbor.ILogger

	tickInterval  time.Duration
	cycleTimeout  time.Duration
	defaultPolicy models.MisfirePolicy
	defaultGrace  time.Duration
	maxRetries    int
	retry         *common.RetryPolicy
	now           func() time.Time

	mu       sync.Mutex // Protects handlers, inFlight, cancel
	handlers map[string]HandlerFunc
	inFlight map[string]bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	runs     sync.WaitGroup
}

// NewService creates a scheduler over the scheduled job store
func NewService(storage interfaces.ScheduledJobStorage, notifier interfaces.NotificationService, config *common.Config, logger arbor.ILogger) *Service {
	policy, err := models.ParseMisfirePolicy(config.Scheduler.MisfirePolicy)
	if err != nil {
		policy = models.MisfireReschedule
	}

	return &Service{
		storage:       storage,
		notifier:      notifier,
		parser:        common.ScheduleParser(),
		logger:        logger,
		tickInterval:  common.Duration(config.Scheduler.TickInterval, 15*time.Second),
		cycleTimeout:  common.Duration(config.AutoApply.CycleTimeout, 2*time.Hour),
		defaultPolicy: policy,
		defaultGrace:  common.Duration(config.Scheduler.MisfireGrace, 5*time.Minute),
		maxRetries:    config.Scheduler.MaxRetries,
		retry: &common.RetryPolicy{
			MaxAttempts:       config.Scheduler.MaxRetries + 1,
			InitialBackoff:    common.Duration(config.Scheduler.RetryInitialBackoff, time.Minute),
			MaxBackoff:        common.Duration(config.Scheduler.RetryMaxBackoff, 30*time.Minute),
			BackoffMultiplier: 2.0,
		},
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
		inFlight: make(map[string]bool),
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Bind registers the callback for a handler name
func (s *Service) Bind(handler string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler] = fn
}

// Schedule persists a trigger. Scheduling an existing name keeps its run state
// and updates the expression and misfire settings.
func (s *Service) Schedule(ctx context.Context, spec TriggerSpec) (string, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return "", common.NewConfigurationError("schedule.name", "name is required")
	}
	if spec.Handler == "" {
		return "", common.NewConfigurationError("schedule.handler", "handler is required")
	}
	schedule, err := s.parser.Parse(spec.Expression)
	if err != nil {
		return "", &common.ConfigurationError{Field: "schedule.expression", Reason: fmt.Sprintf("invalid cron expression %q", spec.Expression), Err: err}
	}

	policy := spec.MisfirePolicy
	if policy == "" {
		policy = s.defaultPolicy
	}
	if _, err := models.ParseMisfirePolicy(string(policy)); err != nil {
		return "", &common.ConfigurationError{Field: "schedule.misfire_policy", Reason: "unknown policy", Err: err}
	}
	grace := spec.MisfireGrace
	if grace <= 0 {
		grace = s.defaultGrace
	}

	now := s.now()
	job, err := s.storage.GetScheduledJobByName(ctx, name)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		job = &models.ScheduledJob{
			ID:     common.NewID("sched"),
			Name:   name,
			Status: models.JobStatusPending,
		}
		job.NextRunAt = schedule.Next(now)
	case err != nil:
		return "", common.NewPersistenceFailure("load scheduled job", err)
	default:
		if job.TriggerSpec != spec.Expression && job.Status != models.JobStatusRunning {
			job.NextRunAt = schedule.Next(now)
		}
	}

	job.Handler = spec.Handler
	job.TriggerSpec = spec.Expression
	job.MisfirePolicy = policy
	job.MisfireGrace = grace

	if err := s.storage.SaveScheduledJob(ctx, job); err != nil {
		return "", common.NewPersistenceFailure("save scheduled job", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_name", job.Name).
		Str("schedule", job.TriggerSpec).
		Str("misfire_policy", string(job.MisfirePolicy)).
		Str("next_run_at", job.NextRunAt.Format(time.RFC3339)).
		Msg("Job scheduled")

	return job.ID, nil
}

// Start launches the ticker loop; it runs until ctx is cancelled or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		s.tickLogged(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tickLogged(loopCtx)
			}
		}
	}()

	s.logger.Info().Dur("tick_interval", s.tickInterval).Msg("Scheduler started")
	return nil
}

// Stop halts the ticker and waits for in-flight runs, which see cancellation
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.loopDone
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.runs.Wait()

	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning returns true while the ticker loop is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until every fired callback has completed
func (s *Service) Wait() {
	s.runs.Wait()
}

// Recover runs once at startup: jobs left RUNNING by a dead process become
// ERROR and due for a retry, then misfires are resolved.
func (s *Service) Recover(ctx context.Context) error {
	jobs, err := s.storage.ListScheduledJobs(ctx)
	if err != nil {
		return common.NewPersistenceFailure("list scheduled jobs", err)
	}

	now := s.now()
	for _, job := range jobs {
		if job.Status == models.JobStatusRunning {
			job.Status = models.JobStatusError
			job.LastStatus = models.JobStatusError
			job.LastError = "interrupted by restart"
			job.NextRunAt = now
			if err := s.storage.SaveScheduledJob(ctx, job); err != nil {
				return common.NewPersistenceFailure("recover scheduled job", err)
			}
			telemetry.ScheduledRuns.WithLabelValues(string(models.JobStatusError)).Inc()
			s.logger.Warn().Str("job_id", job.ID).Str("job_name", job.Name).Msg("Scheduled job interrupted by restart, due for retry")
			continue
		}

		if job.IsMisfire(now) && !awaitingCatchUp(job) {
			if _, err := s.handleMisfire(ctx, job, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tick loads due jobs from storage, resolves misfires and fires what is due
func (s *Service) Tick(ctx context.Context) error {
	jobs, err := s.storage.ListScheduledJobs(ctx)
	if err != nil {
		return common.NewPersistenceFailure("list scheduled jobs", err)
	}

	now := s.now()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !job.IsDue(now) || s.isInFlight(job.ID) {
			continue
		}

		if job.IsMisfire(now) && !awaitingCatchUp(job) {
			fire, err := s.handleMisfire(ctx, job, now)
			if err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record misfire")
				continue
			}
			if !fire {
				continue
			}
		}

		s.fire(ctx, job, now)
	}
	return nil
}

// TriggerNow makes a job due immediately; the next tick fires it
func (s *Service) TriggerNow(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	job, err := s.storage.GetScheduledJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusRunning {
		return job, nil
	}

	job.NextRunAt = s.now()
	job.Attempts = 0
	if err := s.storage.SaveScheduledJob(ctx, job); err != nil {
		return nil, common.NewPersistenceFailure("trigger scheduled job", err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("job_name", job.Name).Msg("Manual trigger requested")
	return job, nil
}

// List returns every scheduled job ordered by next run
func (s *Service) List(ctx context.Context) ([]*models.ScheduledJob, error) {
	return s.storage.ListScheduledJobs(ctx)
}

// Get returns one scheduled job
func (s *Service) Get(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	return s.storage.GetScheduledJob(ctx, jobID)
}

func (s *Service) tickLogged(ctx context.Context) {
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Scheduler tick failed, retrying next tick")
	}
}

// awaitingCatchUp is a RESCHEDULE job whose misfire was recorded but whose catch-up run has not started
func awaitingCatchUp(job *models.ScheduledJob) bool {
	return job.Status == models.JobStatusMissed && job.MisfirePolicy == models.MisfireReschedule
}

// handleMisfire records a MISSED job and applies its policy. It reports whether
// the job should fire now.
func (s *Service) handleMisfire(ctx context.Context, job *models.ScheduledJob, now time.Time) (bool, error) {
	policy := job.MisfirePolicy
	if policy == "" {
		policy = s.defaultPolicy
	}
	missedAt := job.NextRunAt

	job.Status = models.JobStatusMissed
	job.LastStatus = models.JobStatusMissed
	job.LastError = fmt.Sprintf("missed fire time %s", missedAt.Format(time.RFC3339))

	fire := false
	switch policy {
	case models.MisfireSkip, models.MisfireNotify:
		next, err := s.nextRun(job, now)
		if err != nil {
			return false, err
		}
		job.NextRunAt = next
	default:
		job.NextRunAt = now
		fire = true
	}

	if err := s.storage.SaveScheduledJob(ctx, job); err != nil {
		return false, common.NewPersistenceFailure("save misfire", err)
	}
	telemetry.ScheduleMisfires.WithLabelValues(string(policy)).Inc()

	s.logger.Warn().
		Str("job_id", job.ID).
		Str("job_name", job.Name).
		Str("policy", string(policy)).
		Str("missed_at", missedAt.Format(time.RFC3339)).
		Str("next_run_at", job.NextRunAt.Format(time.RFC3339)).
		Msg("Scheduled job misfired")

	if policy == models.MisfireNotify {
		s.notifyMisfire(ctx, job, now)
	}
	return fire, nil
}

func (s *Service) notifyMisfire(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	snapshot := *job
	err := s.notifier.Notify(context.WithoutCancel(ctx), models.Notification{
		Type:      models.NotificationMisfire,
		Subject:   fmt.Sprintf("Scheduled job %s missed its fire time", job.Name),
		Job:       &snapshot,
		CreatedAt: now,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to send misfire notification")
	}
}

// fire persists RUNNING before the callback starts, then runs it in its own goroutine
func (s *Service) fire(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	s.mu.Lock()
	if s.inFlight[job.ID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[job.ID] = true
	handler := s.handlers[job.Handler]
	s.mu.Unlock()

	job.Status = models.JobStatusRunning
	job.LastRunAt = now
	if err := s.storage.SaveScheduledJob(ctx, job); err != nil {
		s.clearInFlight(job.ID)
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running, not firing")
		return
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_name", job.Name).
		Int("attempt", job.Attempts+1).
		Msg("Job execution started")

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.clearInFlight(job.ID)

		started := time.Now()
		err := s.execute(ctx, job, handler)
		s.complete(context.WithoutCancel(ctx), job, err, time.Since(started))
	}()
}

func (s *Service) execute(ctx context.Context, job *models.ScheduledJob, handler HandlerFunc) (err error) {
	if handler == nil {
		return common.NewConfigurationError("scheduler.handler", fmt.Sprintf("no handler bound for %q", job.Handler))
	}

	defer func() {
		if perr := common.RecoverAsError(recover()); perr != nil {
			s.logger.Error().
				Str("job_id", job.ID).
				Str("panic", perr.Error()).
				Str("stack", perr.(*common.PanicError).Stack).
				Msg("PANIC RECOVERED in job execution")
			err = perr
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()
	return handler(runCtx)
}

// complete persists DONE or ERROR and picks the next fire time: a backoff retry
// for transient errors with attempts left, the normal cadence otherwise
func (s *Service) complete(ctx context.Context, job *models.ScheduledJob, runErr error, elapsed time.Duration) {
	now := s.now()

	current, err := s.storage.GetScheduledJob(ctx, job.ID)
	if err != nil {
		current = job
	}

	status := models.JobStatusDone
	current.LastError = ""
	retrying := false
	if runErr != nil {
		status = models.JobStatusError
		current.LastError = runErr.Error()
		if common.IsTransient(runErr) && current.Attempts < s.maxRetries {
			retrying = true
		}
	}
	current.Status = status
	current.LastStatus = status

	if retrying {
		backoff := s.retry.CalculateBackoff(current.Attempts)
		current.Attempts++
		current.NextRunAt = now.Add(backoff)
	} else {
		current.Attempts = 0
		next, err := s.nextRun(current, now)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", current.ID).Msg("Cannot compute next run, job parked")
		}
		current.NextRunAt = next
	}

	if err := s.storage.SaveScheduledJob(ctx, current); err != nil {
		s.logger.Error().Err(err).Str("job_id", current.ID).Msg("Failed to persist job result")
	}
	telemetry.ScheduledRuns.WithLabelValues(string(status)).Inc()

	event := s.logger.Info()
	if runErr != nil {
		event = s.logger.Error().Err(runErr).Bool("retrying", retrying).Int("attempts", current.Attempts)
	}
	event.
		Str("job_id", current.ID).
		Str("job_name", current.Name).
		Str("status", string(status)).
		Dur("duration", elapsed).
		Str("next_run_at", current.NextRunAt.Format(time.RFC3339)).
		Msg("Job execution finished")
}

func (s *Service) nextRun(job *models.ScheduledJob, now time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(job.TriggerSpec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", job.TriggerSpec, err)
	}
	return schedule.Next(now), nil
}

func (s *Service) isInFlight(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[jobID]
}

func (s *Service) clearInFlight(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
}
