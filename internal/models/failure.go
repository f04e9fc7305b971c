package models

import "time"

// FailureRecord is an append-only record of something that went wrong in a cycle
type FailureRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ConfigID  string    `json:"config_id,omitempty"`
	CycleID   string    `json:"cycle_id,omitempty"`
	JobRef    string    `json:"job_ref,omitempty"` // JobRef.Key(), empty for config-level failures
	Platform  string    `json:"platform,omitempty"`
	Stage     Stage     `json:"stage"`
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
