package models

import "time"

// NotificationType identifies what a notification is about
type NotificationType string

const (
	NotificationActivity NotificationType = "activity"
	NotificationFailure  NotificationType = "failure"
	NotificationMisfire  NotificationType = "misfire"
)

// Notification is handed to the notification collaborator for user/operator alerts
type Notification struct {
	Type      NotificationType  `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Subject   string            `json:"subject"`
	Activity  *ActivityLogEntry `json:"activity,omitempty"`
	Failure   *FailureRecord    `json:"failure,omitempty"`
	Job       *ScheduledJob     `json:"job,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
