package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// AppState represents the application state
type AppState string

const (
	StateIdle    AppState = "idle"
	StateRunning AppState = "running" // A cycle is in flight
	StateOffline AppState = "offline"
)

// JobLister is the scheduler's read side
type JobLister interface {
	List(ctx context.Context) ([]*models.ScheduledJob, error)
}

// Pinger reports store reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobStatus is the externally visible state of one scheduled job
type JobStatus struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Schedule      string               `json:"schedule"`
	Status        models.JobStatus     `json:"status"`
	LastRunAt     *time.Time           `json:"last_run_at"`
	LastStatus    models.JobStatus     `json:"last_status,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	NextRunAt     *time.Time           `json:"next_run_at"`
	MisfirePolicy models.MisfirePolicy `json:"misfire_policy"`
}

// ConfigStatus is the externally visible state of one auto-apply config
type ConfigStatus struct {
	ConfigID   string                `json:"config_id"`
	UserID     string                `json:"user_id"`
	Name       string                `json:"name,omitempty"`
	Enabled    bool                  `json:"enabled"`
	LastRunAt  *time.Time            `json:"last_run_at"`
	LastStatus models.ActivityStatus `json:"last_status,omitempty"`
	NextRunAt  *time.Time            `json:"next_run_at"`
}

// Report is the response of the status query
type Report struct {
	State      AppState       `json:"state"`
	Healthy    bool           `json:"healthy"`
	StoreError string         `json:"store_error,omitempty"`
	Jobs       []JobStatus    `json:"jobs"`
	Configs    []ConfigStatus `json:"configs"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Service manages application status
type Service struct {
	state    AppState
	mu       sync.RWMutex
	jobs     JobLister
	configs  interfaces.AutoApplyConfigStorage
	activity interfaces.ActivityLogStorage
	store    Pinger
	handler  string // Scheduler handler whose next run applies to every config
	logger   arbor.ILogger
}

// NewService creates a new StatusService
func NewService(jobs JobLister, configs interfaces.AutoApplyConfigStorage, activity interfaces.ActivityLogStorage, store Pinger, cycleHandler string, logger arbor.ILogger) *Service {
	return &Service{
		state:    StateIdle,
		jobs:     jobs,
		configs:  configs,
		activity: activity,
		store:    store,
		handler:  cycleHandler,
		logger:   logger,
	}
}

// GetState returns the current application state (thread-safe)
func (s *Service) GetState() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the application state
func (s *Service) SetState(state AppState) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	s.mu.Unlock()

	if oldState != state {
		s.logger.Debug().
			Str("old_state", string(oldState)).
			Str("new_state", string(state)).
			Msg("Application state changed")
	}
}

// Track marks the app running for the duration of fn
func (s *Service) Track(ctx context.Context, fn func(ctx context.Context) error) error {
	s.SetState(StateRunning)
	defer s.SetState(StateIdle)
	return fn(ctx)
}

// Health pings the store
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetStatus builds the per-job and per-config status report. An unreachable
// store makes the report unhealthy rather than failing the query.
func (s *Service) GetStatus(ctx context.Context) *Report {
	report := &Report{
		State:     s.GetState(),
		Healthy:   true,
		Jobs:      []JobStatus{},
		Configs:   []ConfigStatus{},
		Timestamp: time.Now(),
	}

	if err := s.store.Ping(ctx); err != nil {
		report.Healthy = false
		report.StoreError = err.Error()
		report.State = StateOffline
		s.logger.Warn().Err(err).Msg("Store unreachable for status query")
		return report
	}

	jobs, err := s.jobs.List(ctx)
	if err != nil {
		report.Healthy = false
		report.StoreError = err.Error()
		return report
	}

	var cycleNext *time.Time
	for _, job := range jobs {
		status := JobStatus{
			ID:            job.ID,
			Name:          job.Name,
			Schedule:      job.TriggerSpec,
			Status:        job.Status,
			LastRunAt:     timePtr(job.LastRunAt),
			LastStatus:    job.LastStatus,
			LastError:     job.LastError,
			NextRunAt:     timePtr(job.NextRunAt),
			MisfirePolicy: job.MisfirePolicy,
		}
		report.Jobs = append(report.Jobs, status)

		if job.Handler == s.handler && status.NextRunAt != nil {
			if cycleNext == nil || status.NextRunAt.Before(*cycleNext) {
				cycleNext = status.NextRunAt
			}
		}
	}

	configs, err := s.configs.ListConfigs(ctx)
	if err != nil {
		report.Healthy = false
		report.StoreError = err.Error()
		return report
	}

	for _, config := range configs {
		status := ConfigStatus{
			ConfigID: config.ID,
			UserID:   config.UserID,
			Name:     config.Name,
			Enabled:  config.Enabled,
		}
		if config.Enabled {
			status.NextRunAt = cycleNext
		}

		latest, err := s.activity.LatestActivity(ctx, config.ID)
		switch {
		case err == nil:
			status.LastRunAt = timePtr(latest.StartedAt)
			status.LastStatus = latest.Status
		case !errors.Is(err, interfaces.ErrNotFound):
			s.logger.Warn().Err(err).Str("config_id", config.ID).Msg("Failed to read latest activity")
		}

		report.Configs = append(report.Configs, status)
	}

	return report
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
