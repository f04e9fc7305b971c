package models

import "time"

// ApplicationHistory records a job the user has already acted upon.
// Any record for (user, job key) makes later attempts a duplicate.
type ApplicationHistory struct {
	ID         string      `json:"id"` // HistoryKey(user, job key)
	UserID     string      `json:"user_id"`
	JobKey     string      `json:"job_key"`
	Platform   string      `json:"platform"`
	ExternalID string      `json:"external_id"`
	Title      string      `json:"title,omitempty"`
	Company    string      `json:"company,omitempty"`
	ConfigID   string      `json:"config_id"`
	Outcome    OutcomeKind `json:"outcome"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// HistoryKey builds the unique key of a history record
func HistoryKey(userID, jobKey string) string {
	return userID + ":" + jobKey
}

// ExternalApplication is a posting that must be applied to off-platform by hand
type ExternalApplication struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ConfigID    string    `json:"config_id"`
	CycleID     string    `json:"cycle_id"`
	Job         JobRef    `json:"job"`
	RedirectURL string    `json:"redirect_url"`
	QueuedAt    time.Time `json:"queued_at"`
}
