package autoapply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// HandlerName is the scheduler handler that runs a cycle
const HandlerName = "autoapply.cycle"

// Deps are the collaborators a cycle needs. All of them are required.
type Deps struct {
	Configs     interfaces.AutoApplyConfigStorage
	Activity    interfaces.ActivityLogStorage
	History     interfaces.ApplicationHistoryStorage
	External    interfaces.ExternalQueueStorage
	Search      interfaces.JobSearchService
	RateLimiter interfaces.RateLimiter
	Sessions    interfaces.SessionProvider
	Browsers    interfaces.BrowserProvider
	Filler      interfaces.FormFiller
	Failures    interfaces.FailureRecorder
	Notifier    interfaces.NotificationService
}

func (d Deps) validate() error {
	missing := []string{}
	check := func(name string, present bool) {
		if !present {
			missing = append(missing, name)
		}
	}
	check("configs", d.Configs != nil)
	check("activity", d.Activity != nil)
	check("history", d.History != nil)
	check("external", d.External != nil)
	check("search", d.Search != nil)
	check("rate limiter", d.RateLimiter != nil)
	check("sessions", d.Sessions != nil)
	check("browsers", d.Browsers != nil)
	check("filler", d.Filler != nil)
	check("failures", d.Failures != nil)
	check("notifier", d.Notifier != nil)
	if len(missing) > 0 {
		return fmt.Errorf("autoapply service missing collaborators: %v", missing)
	}
	return nil
}

// CycleSummary is what one RunCycle invocation produced
type CycleSummary struct {
	CycleID    string                     `json:"cycle_id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Entries    []*models.ActivityLogEntry `json:"entries"`
}

// Submitted totals applications submitted across every config
func (s *CycleSummary) Submitted() int {
	total := 0
	for _, entry := range s.Entries {
		total += entry.ApplicationsSubmitted
	}
	return total
}

// Result is the cycle-level label used for metrics
func (s *CycleSummary) Result() string {
	result := "empty"
	for _, entry := range s.Entries {
		switch entry.Status {
		case models.ActivityStatusCancelled:
			return "cancelled"
		case models.ActivityStatusFailed, models.ActivityStatusPartial:
			result = "degraded"
		default:
			if result == "empty" {
				result = "success"
			}
		}
	}
	return result
}

// Service drives auto-apply cycles over every active config
type Service struct {
	deps   Deps
	logger arbor.ILogger
	now    func() time.Time

	workers       int
	cycleTimeout  time.Duration
	configTimeout time.Duration
	jobTimeout    time.Duration
	minInterval   time.Duration
	maxJitter     time.Duration

	pacingMu sync.Mutex
	pacing   map[string]*rate.Limiter
}

// NewService creates the orchestrator; it fails when a collaborator is missing
func NewService(deps Deps, config *common.Config, logger arbor.ILogger) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	workers := config.AutoApply.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		deps:          deps,
		logger:        logger,
		now:           time.Now,
		workers:       workers,
		cycleTimeout:  common.Duration(config.AutoApply.CycleTimeout, 2*time.Hour),
		configTimeout: common.Duration(config.AutoApply.ConfigTimeout, 45*time.Minute),
		jobTimeout:    common.Duration(config.AutoApply.JobTimeout, 3*time.Minute),
		minInterval:   common.Duration(config.AutoApply.MinInterval, 0),
		maxJitter:     common.Duration(config.AutoApply.MaxJitter, 0),
		pacing:        make(map[string]*rate.Limiter),
	}, nil
}

// WithClock replaces the time source used for activity timestamps
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunCycle processes every active config once. It is safe to call repeatedly;
// with no active configs nothing is written.
func (s *Service) RunCycle(ctx context.Context) (*CycleSummary, error) {
	cycleID := common.NewCycleID()
	logger := s.logger.WithCorrelationId(cycleID)
	started := time.Now()

	summary := &CycleSummary{CycleID: cycleID, StartedAt: s.now()}

	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	configs, err := s.deps.Configs.ListActiveConfigs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load active configs")
		s.deps.Failures.Record(context.WithoutCancel(ctx), models.FailureRecord{
			CycleID:   cycleID,
			Stage:     models.StageLoadConfigs,
			ErrorKind: models.ErrorKindPersistence,
			Message:   err.Error(),
		})
		summary.Entries = []*models.ActivityLogEntry{s.cycleFailure(ctx, cycleID, summary.StartedAt, err, logger)}
		summary.FinishedAt = s.now()
		telemetry.CyclesTotal.WithLabelValues("error").Inc()
		return summary, common.NewPersistenceFailure("load active configs", err)
	}

	if len(configs) == 0 {
		logger.Debug().Msg("No active auto-apply configs, nothing to do")
		summary.FinishedAt = s.now()
		telemetry.CyclesTotal.WithLabelValues(summary.Result()).Inc()
		return summary, nil
	}

	logger.Info().Int("configs", len(configs)).Int("workers", s.workers).Msg("Auto-apply cycle started")

	cycle := &cycleState{id: cycleID, claimed: make(map[string]bool)}
	entries := make([]*models.ActivityLogEntry, len(configs))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, config := range configs {
		g.Go(func() error {
			entries[i] = s.runConfig(ctx, cycle, config, logger)
			return nil
		})
	}
	_ = g.Wait()

	summary.Entries = entries
	summary.FinishedAt = s.now()

	telemetry.CyclesTotal.WithLabelValues(summary.Result()).Inc()
	telemetry.CycleDurationSeconds.Observe(time.Since(started).Seconds())

	logger.Info().
		Int("configs", len(entries)).
		Int("submitted", summary.Submitted()).
		Str("result", summary.Result()).
		Dur("duration", time.Since(started)).
		Msg("Auto-apply cycle finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// cycleFailure writes the cycle-level activity entry for a cycle that
// failed before any config could run. The entry has no ConfigID.
func (s *Service) cycleFailure(ctx context.Context, cycleID string, startedAt time.Time, cause error, logger arbor.ILogger) *models.ActivityLogEntry {
	writeCtx := context.WithoutCancel(ctx)
	entry := &models.ActivityLogEntry{
		ID:         common.NewID("act"),
		CycleID:    cycleID,
		StartedAt:  startedAt,
		FinishedAt: s.now(),
		Status:     models.ActivityStatusFailed,
		Failures:   1,
		Error:      cause.Error(),
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		entry.Status = models.ActivityStatusCancelled
	}

	if err := s.deps.Activity.SaveActivity(writeCtx, entry); err != nil {
		telemetry.PersistenceFailures.Inc()
		logger.Error().Err(err).Str("activity_id", entry.ID).Msg("Failed to write cycle failure entry")
	}

	snapshot := *entry
	if err := s.deps.Notifier.Notify(writeCtx, models.Notification{
		Type:      models.NotificationActivity,
		Subject:   "Auto-apply cycle failed: " + cause.Error(),
		Activity:  &snapshot,
		CreatedAt: entry.FinishedAt,
	}); err != nil {
		logger.Warn().Err(err).Str("activity_id", entry.ID).Msg("Activity notification failed")
	}
	return entry
}

// Run adapts RunCycle to the scheduler callback signature
func (s *Service) Run(ctx context.Context) error {
	_, err := s.RunCycle(ctx)
	return err
}

// Recover finalizes activity entries left RUNNING by a process that died mid-cycle
func (s *Service) Recover(ctx context.Context) (int, error) {
	open, err := s.deps.Activity.ListOpenActivity(ctx)
	if err != nil {
		return 0, common.NewPersistenceFailure("list open activity", err)
	}

	recovered := 0
	for _, entry := range open {
		entry.Status = models.ActivityStatusFailed
		entry.Error = "interrupted"
		entry.FinishedAt = s.now()
		if err := s.deps.Activity.SaveActivity(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("activity_id", entry.ID).Msg("Failed to finalize interrupted activity")
			continue
		}
		recovered++
		s.logger.Warn().
			Str("activity_id", entry.ID).
			Str("config_id", entry.ConfigID).
			Str("cycle_id", entry.CycleID).
			Msg("Finalized activity interrupted by restart")
	}
	return recovered, nil
}

// cycleState is shared by every config of one cycle
type cycleState struct {
	id      string
	mu      sync.Mutex
	claimed map[string]bool
}

// claim reserves (user, job key) for this cycle; false means another attempt already holds it
func (c *cycleState) claim(userID, jobKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := models.HistoryKey(userID, jobKey)
	if c.claimed[key] {
		return false
	}
	c.claimed[key] = true
	return true
}

func (c *cycleState) release(userID, jobKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, models.HistoryKey(userID, jobKey))
}

// finalStatus maps what a config run saw to its terminal status
func finalStatus(entry *models.ActivityLogEntry, cancelled bool, configErr error) models.ActivityStatus {
	progress := entry.ApplicationsSubmitted+entry.ExternalQueued > 0
	switch {
	case cancelled:
		return models.ActivityStatusCancelled
	case configErr != nil && !progress:
		return models.ActivityStatusFailed
	case configErr != nil || entry.Failures > 0:
		return models.ActivityStatusPartial
	default:
		return models.ActivityStatusSuccess
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
