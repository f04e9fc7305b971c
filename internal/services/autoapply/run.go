package autoapply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/services/browser"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// next tells the job loop how to continue after one job
type next int

const (
	nextJob next = iota
	stopPlatform
	stopConfig
)

// configRun is one config's pass through a cycle. Only its own goroutine mutates entry.
type configRun struct {
	svc       *Service
	cycle     *cycleState
	config    *models.AutoApplyConfig
	entry     *models.ActivityLogEntry
	logger    arbor.ILogger
	configErr error
}

func (s *Service) runConfig(cycleCtx context.Context, cycle *cycleState, config *models.AutoApplyConfig, logger arbor.ILogger) *models.ActivityLogEntry {
	run := &configRun{
		svc:    s,
		cycle:  cycle,
		config: config,
		logger: logger,
		entry: &models.ActivityLogEntry{
			ID:        common.NewID("act"),
			CycleID:   cycle.id,
			ConfigID:  config.ID,
			UserID:    config.UserID,
			StartedAt: s.now(),
			Status:    models.ActivityStatusRunning,
		},
	}

	if err := s.deps.Activity.SaveActivity(cycleCtx, run.entry); err != nil {
		logger.Warn().Err(err).Str("config_id", config.ID).Msg("Failed to open activity entry")
	}

	defer func() {
		if perr := common.RecoverAsError(recover()); perr != nil {
			logger.Error().
				Str("config_id", config.ID).
				Str("panic", perr.Error()).
				Str("stack", perr.(*common.PanicError).Stack).
				Msg("PANIC RECOVERED in config run")
			run.configErr = perr
			run.recordFailure(context.WithoutCancel(cycleCtx), models.StageFillForm, models.ErrorKindPanic, "", nil, perr.Error())
		}
		run.finalize(cycleCtx)
	}()

	ctx, cancel := context.WithTimeout(cycleCtx, s.configTimeout)
	defer cancel()

	logger.Info().
		Str("config_id", config.ID).
		Str("user_id", config.UserID).
		Strs("platforms", config.Platforms).
		Int("max_applications", config.MaxApplications).
		Msg("Processing auto-apply config")

	if err := config.Validate(); err != nil {
		run.configErr = &common.ConfigurationError{Field: "config " + config.ID, Reason: "validation failed", Err: err}
		run.recordFailure(ctx, models.StageValidateConfig, models.ErrorKindConfiguration, "", nil, err.Error())
		return run.entry
	}

	for _, platform := range config.Platforms {
		platform = strings.ToLower(strings.TrimSpace(platform))
		if run.reachedMax() || ctx.Err() != nil {
			break
		}
		if run.runPlatform(ctx, platform) == stopConfig {
			break
		}
	}

	if err := ctx.Err(); err != nil && cycleCtx.Err() == nil && run.configErr == nil {
		run.configErr = fmt.Errorf("config timeout after %s: %w", s.configTimeout, err)
		run.recordFailure(cycleCtx, models.StageFillForm, models.ErrorKindTimeout, "", nil, run.configErr.Error())
	}
	return run.entry
}

func (r *configRun) reachedMax() bool {
	if r.entry.ApplicationsSubmitted >= r.config.MaxApplications {
		r.entry.StopReason = models.StopReasonMaxApplications
		return true
	}
	return false
}

func (r *configRun) runPlatform(ctx context.Context, platform string) next {
	deps := r.svc.deps
	userID := r.config.UserID

	remaining, err := deps.RateLimiter.Remaining(ctx, userID, platform)
	if err != nil {
		if ctx.Err() != nil {
			return stopConfig
		}
		r.recordFailure(ctx, models.StageCheckRateLimit, common.ErrorKindOf(err), platform, nil, err.Error())
		return stopPlatform
	}
	if remaining <= 0 {
		r.rateLimited(platform, "quota exhausted before search")
		return stopPlatform
	}

	jobs, err := deps.Search.SearchJobs(ctx, platform, r.config.Criteria)
	if err != nil {
		if ctx.Err() != nil {
			return stopConfig
		}
		var cfgErr *common.ConfigurationError
		if errors.As(err, &cfgErr) {
			r.configErr = err
			r.recordFailure(ctx, models.StageSearchJobs, models.ErrorKindConfiguration, platform, nil, err.Error())
			return stopConfig
		}
		r.recordFailure(ctx, models.StageSearchJobs, models.ErrorKindSearch, platform, nil, err.Error())
		return stopPlatform
	}

	r.entry.JobsFound += len(jobs)
	r.logger.Info().
		Str("config_id", r.config.ID).
		Str("platform", platform).
		Int("jobs", len(jobs)).
		Int("quota_remaining", remaining).
		Msg("Candidate jobs found")

	pass := &platformPass{platform: platform}
	defer pass.release()

	for i := range jobs {
		if r.reachedMax() {
			return stopConfig
		}
		if ctx.Err() != nil {
			return stopConfig
		}

		job := jobs[i]
		if job.Platform == "" {
			job.Platform = platform
		}
		switch r.runJob(ctx, pass, job) {
		case stopPlatform:
			return stopPlatform
		case stopConfig:
			return stopConfig
		}
	}

	if r.reachedMax() {
		return stopConfig
	}
	return nextJob
}

// platformPass holds the browser lease shared by one platform's jobs.
// The lease is acquired on the first job that gets past dedupe.
type platformPass struct {
	platform string
	lease    interfaces.BrowserLease
}

func (p *platformPass) release() {
	if p.lease != nil {
		p.lease.Release()
	}
}

// runJob takes one candidate through dedupe, browser, session, quota and form fill
func (r *configRun) runJob(ctx context.Context, pass *platformPass, job models.JobRef) next {
	deps := r.svc.deps
	platform := pass.platform
	userID := r.config.UserID
	jobKey := job.Key()

	if !r.cycle.claim(userID, jobKey) {
		r.duplicate(platform, job, "already claimed in this cycle", false)
		return nextJob
	}

	applied, err := deps.History.HasApplied(ctx, userID, jobKey)
	if err != nil {
		r.logger.Warn().Err(err).Str("job", jobKey).Msg("History lookup failed, relying on filler check")
	} else if applied {
		r.duplicate(platform, job, "found in application history", false)
		return nextJob
	}

	if pass.lease == nil {
		lease, err := deps.Browsers.Acquire(ctx, platform)
		if err != nil {
			r.cycle.release(userID, jobKey)
			if ctx.Err() != nil {
				return stopConfig
			}
			r.recordFailure(ctx, models.StageAcquireBrowser, common.ErrorKindOf(err), platform, &job, err.Error())
			return stopPlatform
		}
		pass.lease = lease
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.svc.jobTimeout)
	defer cancel()
	jobCtx = browser.ContextWithLease(jobCtx, pass.lease)

	session, err := deps.Sessions.GetOrRefresh(jobCtx, userID, platform)
	if err != nil {
		return r.sessionFailure(ctx, platform, job, err)
	}

	// Quota is only spent once the attempt can actually reach the platform.
	allowed, remaining, err := deps.RateLimiter.TryAcquire(ctx, userID, platform)
	if err != nil {
		r.cycle.release(userID, jobKey)
		if ctx.Err() != nil {
			return stopConfig
		}
		r.recordFailure(ctx, models.StageCheckRateLimit, common.ErrorKindOf(err), platform, &job, err.Error())
		return stopPlatform
	}
	if !allowed {
		r.cycle.release(userID, jobKey)
		r.rateLimited(platform, "quota exhausted at "+jobKey)
		return stopPlatform
	}

	outcome, err := r.apply(jobCtx, platform, job, pass.lease, session)
	if errors.Is(err, common.ErrSessionExpired) {
		r.logger.Info().Str("platform", platform).Str("job", jobKey).Msg("Session rejected mid-fill, refreshing once")
		if invErr := deps.Sessions.Invalidate(ctx, userID, platform); invErr != nil {
			r.logger.Warn().Err(invErr).Str("platform", platform).Msg("Failed to invalidate session")
		}
		session, err = deps.Sessions.GetOrRefresh(jobCtx, userID, platform)
		if err != nil {
			return r.sessionFailure(ctx, platform, job, err)
		}
		outcome, err = r.apply(jobCtx, platform, job, pass.lease, session)
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return stopConfig
	case errors.Is(err, common.ErrSessionExpired):
		return r.sessionFailure(ctx, platform, job, err)
	case isCancellation(err):
		outcome = models.Failed(models.ErrorKindTimeout, fmt.Sprintf("job timeout after %s", r.svc.jobTimeout))
	default:
		outcome = models.Failed(models.ErrorKindUnknown, err.Error())
	}

	r.recordOutcome(ctx, platform, job, outcome, remaining)
	return nextJob
}

// apply waits for the platform's pacing slot, then runs the form filler
func (r *configRun) apply(ctx context.Context, platform string, job models.JobRef, lease interfaces.BrowserLease, session *models.SessionCookie) (models.Outcome, error) {
	if err := r.svc.pace(ctx, platform); err != nil {
		if ctx.Err() != nil {
			return models.Outcome{}, ctx.Err()
		}
		return models.Failed(models.ErrorKindTimeout, "pacing wait exceeds job timeout"), nil
	}

	return r.svc.deps.Filler.Apply(ctx, lease, models.ApplyRequest{
		UserID:    r.config.UserID,
		Job:       job,
		Session:   session,
		Applicant: r.config.Applicant,
	})
}

func (r *configRun) sessionFailure(ctx context.Context, platform string, job models.JobRef, err error) next {
	r.cycle.release(r.config.UserID, job.Key())
	if ctx.Err() != nil {
		return stopConfig
	}
	r.recordFailure(ctx, models.StageAcquireSession, common.ErrorKindOf(err), platform, &job, err.Error())
	return stopPlatform
}

func (r *configRun) recordOutcome(ctx context.Context, platform string, job models.JobRef, outcome models.Outcome, remaining int) {
	telemetry.ApplicationsTotal.WithLabelValues(platform, string(outcome.Kind)).Inc()

	switch outcome.Kind {
	case models.OutcomeSubmitted:
		r.entry.ApplicationsSubmitted++
		r.remember(ctx, platform, job, outcome.Kind)
	case models.OutcomeDuplicate:
		r.duplicate(platform, job, outcome.Message, true)
		r.remember(ctx, platform, job, outcome.Kind)
		return
	case models.OutcomeExternalRedirect:
		r.entry.ExternalQueued++
		r.queueExternal(ctx, job, outcome.RedirectURL)
		r.remember(ctx, platform, job, outcome.Kind)
	default:
		r.recordFailure(ctx, models.StageFillForm, outcome.ErrorKind, platform, &job, outcome.Message)
	}

	r.logger.Info().
		Str("config_id", r.config.ID).
		Str("platform", platform).
		Str("job", job.Key()).
		Str("outcome", string(outcome.Kind)).
		Str("error_kind", string(outcome.ErrorKind)).
		Int("quota_remaining", remaining).
		Msg("Application outcome")
}

func (r *configRun) duplicate(platform string, job models.JobRef, reason string, counted bool) {
	r.entry.DuplicatesSkipped++
	if !counted {
		telemetry.ApplicationsTotal.WithLabelValues(platform, string(models.OutcomeDuplicate)).Inc()
	}
	r.logger.Debug().Str("platform", platform).Str("job", job.Key()).Str("reason", reason).Msg("Duplicate job skipped")
}

func (r *configRun) rateLimited(platform, reason string) {
	r.entry.RateLimited++
	r.entry.StopReason = models.StopReasonRateLimited
	r.logger.Info().
		Str("config_id", r.config.ID).
		Str("platform", platform).
		Str("reason", reason).
		Msg("Rate limit reached, stopping platform")
}

// remember writes the outcome to history so later cycles see it as a duplicate
func (r *configRun) remember(ctx context.Context, platform string, job models.JobRef, kind models.OutcomeKind) {
	record := &models.ApplicationHistory{
		UserID:     r.config.UserID,
		JobKey:     job.Key(),
		Platform:   platform,
		ExternalID: job.ExternalID,
		Title:      job.Title,
		Company:    job.Company,
		ConfigID:   r.config.ID,
		Outcome:    kind,
		RecordedAt: r.svc.now(),
	}
	if err := r.svc.deps.History.RecordApplication(context.WithoutCancel(ctx), record); err != nil {
		r.recordFailure(ctx, models.StageRecordOutcome, models.ErrorKindPersistence, platform, &job, err.Error())
	}
}

func (r *configRun) queueExternal(ctx context.Context, job models.JobRef, redirectURL string) {
	item := &models.ExternalApplication{
		UserID:      r.config.UserID,
		ConfigID:    r.config.ID,
		CycleID:     r.cycle.id,
		Job:         job,
		RedirectURL: redirectURL,
	}
	if err := r.svc.deps.External.EnqueueExternal(context.WithoutCancel(ctx), item); err != nil {
		r.recordFailure(ctx, models.StageRecordOutcome, models.ErrorKindPersistence, job.Platform, &job, err.Error())
	}
}

// recordFailure appends a FailureRecord; every record counts toward entry.Failures
func (r *configRun) recordFailure(ctx context.Context, stage models.Stage, kind models.ErrorKind, platform string, job *models.JobRef, message string) {
	r.entry.Failures++

	record := models.FailureRecord{
		UserID:    r.config.UserID,
		ConfigID:  r.config.ID,
		CycleID:   r.cycle.id,
		Platform:  platform,
		Stage:     stage,
		ErrorKind: kind,
		Message:   message,
	}
	if job != nil {
		record.JobRef = job.Key()
	}
	r.svc.deps.Failures.Record(ctx, record)
}

// finalize always runs. The write uses a context detached from cancellation.
// Only caller cancellation ends CANCELLED; a cycle deadline is a failure.
func (r *configRun) finalize(cycleCtx context.Context) {
	ctx := context.WithoutCancel(cycleCtx)
	entry := r.entry

	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) && r.configErr == nil {
		r.configErr = fmt.Errorf("cycle timeout after %s: %w", r.svc.cycleTimeout, cycleCtx.Err())
		r.recordFailure(ctx, models.StageFillForm, models.ErrorKindTimeout, "", nil, r.configErr.Error())
	}

	entry.Status = finalStatus(entry, errors.Is(cycleCtx.Err(), context.Canceled), r.configErr)
	entry.FinishedAt = r.svc.now()
	switch {
	case entry.Status == models.ActivityStatusCancelled:
		entry.Error = cycleCtx.Err().Error()
	case r.configErr != nil:
		entry.Error = r.configErr.Error()
	}

	if err := r.svc.deps.Activity.SaveActivity(ctx, entry); err != nil {
		telemetry.PersistenceFailures.Inc()
		r.logger.Error().Err(err).Str("activity_id", entry.ID).Msg("Failed to finalize activity entry")
	}

	r.logger.Info().
		Str("config_id", entry.ConfigID).
		Str("status", string(entry.Status)).
		Int("jobs_found", entry.JobsFound).
		Int("submitted", entry.ApplicationsSubmitted).
		Int("duplicates", entry.DuplicatesSkipped).
		Int("external", entry.ExternalQueued).
		Int("failures", entry.Failures).
		Int("rate_limited", entry.RateLimited).
		Str("stop_reason", string(entry.StopReason)).
		Msg("Activity finalized")

	snapshot := *entry
	if err := r.svc.deps.Notifier.Notify(ctx, models.Notification{
		Type:      models.NotificationActivity,
		UserID:    entry.UserID,
		Subject:   fmt.Sprintf("Auto-apply %s: %d submitted, %d failed", strings.ToLower(string(entry.Status)), entry.ApplicationsSubmitted, entry.Failures),
		Activity:  &snapshot,
		CreatedAt: entry.FinishedAt,
	}); err != nil {
		r.logger.Warn().Err(err).Str("activity_id", entry.ID).Msg("Activity notification failed")
	}
}
