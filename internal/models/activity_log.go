package models

import "time"

// ActivityStatus is the state of an ActivityLogEntry
type ActivityStatus string

const (
	ActivityStatusRunning   ActivityStatus = "RUNNING" // Open, owned by an in-flight cycle
	ActivityStatusSuccess   ActivityStatus = "SUCCESS"
	ActivityStatusPartial   ActivityStatus = "PARTIAL"
	ActivityStatusFailed    ActivityStatus = "FAILED"
	ActivityStatusCancelled ActivityStatus = "CANCELLED"
)

// IsTerminal reports whether the entry has been finalized
func (s ActivityStatus) IsTerminal() bool {
	return s != ActivityStatusRunning && s != ""
}

// StopReason records why job evaluation ended early for a config
type StopReason string

const (
	StopReasonNone            StopReason = ""
	StopReasonMaxApplications StopReason = "MAX_APPLICATIONS"
	StopReasonRateLimited     StopReason = "RATE_LIMITED"
)

// Stage names the cycle step a failure happened in
type Stage string

const (
	StageLoadConfigs      Stage = "LOAD_CONFIGS"
	StageValidateConfig   Stage = "VALIDATE_CONFIG"
	StageCheckRateLimit   Stage = "CHECK_RATE_LIMIT"
	StageSearchJobs       Stage = "SEARCH_JOBS"
	StageAcquireBrowser   Stage = "ACQUIRE_BROWSER"
	StageAcquireSession   Stage = "ACQUIRE_SESSION"
	StageFillForm         Stage = "FILL_FORM"
	StageRecordOutcome    Stage = "RECORD_OUTCOME"
	StageFinalizeActivity Stage = "FINALIZE_ACTIVITY_LOG"
)

// ActivityLogEntry summarises one config's pass through one cycle invocation
type ActivityLogEntry struct {
	ID                    string         `json:"id"`
	CycleID               string         `json:"cycle_id"`
	ConfigID              string         `json:"config_id"`
	UserID                string         `json:"user_id"`
	StartedAt             time.Time      `json:"started_at"`
	FinishedAt            time.Time      `json:"finished_at,omitempty"`
	JobsFound             int            `json:"jobs_found"`
	ApplicationsSubmitted int            `json:"applications_submitted"`
	DuplicatesSkipped     int            `json:"duplicates_skipped"`
	ExternalQueued        int            `json:"external_queued"`
	Failures              int            `json:"failures"`
	RateLimited           int            `json:"rate_limited"`
	StopReason            StopReason     `json:"stop_reason,omitempty"`
	Status                ActivityStatus `json:"status"`
	Error                 string         `json:"error,omitempty"`
}
