package models

import "time"

// RateLimitRecord is the persisted quota counter for one (user, platform).
// The window is fixed: WindowStart is the start of the current window and
// Count resets when a later window begins. Count never exceeds Limit.
type RateLimitRecord struct {
	ID          string    `json:"id"` // QuotaKey(user, platform)
	UserID      string    `json:"user_id"`
	Platform    string    `json:"platform"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QuotaKey builds the unique key of a quota record
func QuotaKey(userID, platform string) string {
	return userID + ":" + platform
}

// WindowStart returns the fixed window containing t
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// Remaining is the number of attempts still allowed in the record's window
func (r *RateLimitRecord) Remaining() int {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}
