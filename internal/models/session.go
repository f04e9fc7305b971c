package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Cookie is one browser cookie captured after login
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
	SameSite string    `json:"same_site,omitempty"`
}

// SessionCookie is the persisted authenticated session for one (user, platform).
// Payload is an opaque JSON-encoded []Cookie; it is stored but never logged or served.
type SessionCookie struct {
	ID        string    `json:"id"` // SessionKey(user, platform)
	UserID    string    `json:"user_id"`
	Platform  string    `json:"platform"`
	Payload   []byte    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionKey builds the unique key of a session record
func SessionKey(userID, platform string) string {
	return userID + ":" + platform
}

// NewSessionCookie encodes cookies into a session record
func NewSessionCookie(userID, platform string, cookies []Cookie, expiresAt, now time.Time) (*SessionCookie, error) {
	payload, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session cookies: %w", err)
	}
	return &SessionCookie{
		ID:        SessionKey(userID, platform),
		UserID:    userID,
		Platform:  platform,
		Payload:   payload,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Cookies decodes the payload
func (s *SessionCookie) Cookies() ([]Cookie, error) {
	var cookies []Cookie
	if len(s.Payload) == 0 {
		return cookies, nil
	}
	if err := json.Unmarshal(s.Payload, &cookies); err != nil {
		return nil, fmt.Errorf("failed to decode session cookies: %w", err)
	}
	return cookies, nil
}

// ValidAt reports whether the session is still usable at t, keeping skew in reserve
func (s *SessionCookie) ValidAt(t time.Time, skew time.Duration) bool {
	if s == nil {
		return false
	}
	return s.ExpiresAt.After(t.Add(skew))
}

// String is safe to log; the cookie payload is never rendered
func (s *SessionCookie) String() string {
	if s == nil {
		return "session<nil>"
	}
	return fmt.Sprintf("session{user=%s platform=%s payload=[REDACTED %d bytes] expires_at=%s}",
		s.UserID, s.Platform, len(s.Payload), s.ExpiresAt.Format(time.RFC3339))
}
