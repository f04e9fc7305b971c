package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the state machine of a persisted scheduled job:
// PENDING -> RUNNING -> {DONE, ERROR, MISSED}
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusDone    JobStatus = "DONE"
	JobStatusError   JobStatus = "ERROR"
	JobStatusMissed  JobStatus = "MISSED"
)

// MisfirePolicy decides what happens to a trigger that did not run on time
type MisfirePolicy string

const (
	MisfireReschedule MisfirePolicy = "RESCHEDULE" // Run once, immediately
	MisfireSkip       MisfirePolicy = "SKIP"       // Log and resume the normal cadence
	MisfireNotify     MisfirePolicy = "NOTIFY"     // Alert and resume the normal cadence
)

// ParseMisfirePolicy accepts the policy names case-insensitively
func ParseMisfirePolicy(s string) (MisfirePolicy, error) {
	switch MisfirePolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case MisfireReschedule, "":
		return MisfireReschedule, nil
	case MisfireSkip:
		return MisfireSkip, nil
	case MisfireNotify:
		return MisfireNotify, nil
	}
	return "", fmt.Errorf("unknown misfire policy %q", s)
}

// ScheduledJob is a persisted recurring trigger. Whether it is due is derived
// from NextRunAt in storage, never from in-process timers.
type ScheduledJob struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Handler       string        `json:"handler"`
	TriggerSpec   string        `json:"trigger_spec"` // Cron expression or descriptor
	Status        JobStatus     `json:"status"`
	NextRunAt     time.Time     `json:"next_run_at"`
	LastRunAt     time.Time     `json:"last_run_at,omitempty"`
	LastStatus    JobStatus     `json:"last_status,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	MisfirePolicy MisfirePolicy `json:"misfire_policy"`
	MisfireGrace  time.Duration `json:"misfire_grace"`
	Attempts      int           `json:"attempts"` // Consecutive transient failures
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsDue reports whether the job should fire at now
func (j *ScheduledJob) IsDue(now time.Time) bool {
	return j.Status != JobStatusRunning && !j.NextRunAt.IsZero() && !j.NextRunAt.After(now)
}

// IsMisfire reports whether the job's fire time has passed by more than the grace period
func (j *ScheduledJob) IsMisfire(now time.Time) bool {
	return j.IsDue(now) && now.Sub(j.NextRunAt) > j.MisfireGrace
}
