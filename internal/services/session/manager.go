package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// Manager hands out valid platform sessions, logging in again when the stored
// one is missing or close to expiry. Concurrent refreshes of one (user, platform)
// collapse into a single login.
type Manager struct {
	storage      interfaces.SessionStorage
	auth         interfaces.Authenticator
	group        singleflight.Group
	refreshSkew  time.Duration
	loginTimeout time.Duration
	now          func() time.Time
	logger       arbor.ILogger
}

// NewManager creates a session manager
func NewManager(storage interfaces.SessionStorage, auth interfaces.Authenticator, config common.SessionConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		storage:      storage,
		auth:         auth,
		refreshSkew:  common.Duration(config.RefreshSkew, 5*time.Minute),
		loginTimeout: common.Duration(config.LoginTimeout, 2*time.Minute),
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetOrRefresh returns a session valid beyond the refresh skew, or a freshly
// logged-in one. It never returns an expired session.
func (m *Manager) GetOrRefresh(ctx context.Context, userID, platform string) (*models.SessionCookie, error) {
	platform = strings.ToLower(platform)

	stored, err := m.storage.GetSession(ctx, userID, platform)
	switch {
	case err == nil && stored.ValidAt(m.now(), m.refreshSkew):
		return stored, nil
	case err != nil && !errors.Is(err, interfaces.ErrNotFound):
		return nil, common.NewPersistenceFailure("get session", err)
	}

	key := models.SessionKey(userID, platform)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.refresh(ctx, userID, platform)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		session := res.Val.(*models.SessionCookie)
		if !session.ValidAt(m.now(), 0) {
			return nil, common.ErrSessionExpired
		}
		return session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh runs once per key at a time. The login is detached from the first
// caller's cancellation so other waiters still get its result.
func (m *Manager) refresh(ctx context.Context, userID, platform string) (*models.SessionCookie, error) {
	loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
	defer cancel()

	// Another flight may have finished between our read and this one starting
	if stored, err := m.storage.GetSession(loginCtx, userID, platform); err == nil && stored.ValidAt(m.now(), m.refreshSkew) {
		return stored, nil
	}

	started := m.now()
	cookies, expiresAt, err := m.auth.Login(loginCtx, userID, platform)
	if err != nil {
		telemetry.SessionRefreshes.WithLabelValues(platform, "error").Inc()
		m.logger.Warn().Err(err).Str("user_id", userID).Str("platform", platform).Msg("Platform login failed")
		return nil, fmt.Errorf("login %s/%s: %w", userID, platform, err)
	}

	now := m.now()
	if !expiresAt.After(now) {
		telemetry.SessionRefreshes.WithLabelValues(platform, "expired").Inc()
		return nil, common.ErrSessionExpired
	}

	session, err := models.NewSessionCookie(userID, platform, cookies, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if err := m.storage.SaveSession(loginCtx, session); err != nil {
		return nil, common.NewPersistenceFailure("save session", err)
	}

	telemetry.SessionRefreshes.WithLabelValues(platform, "ok").Inc()
	m.logger.Info().
		Str("user_id", userID).
		Str("platform", platform).
		Int("cookies", len(cookies)).
		Str("expires_at", expiresAt.Format(time.RFC3339)).
		Dur("elapsed", now.Sub(started)).
		Msg("Platform session refreshed")

	return session, nil
}

// Invalidate drops the stored session so the next GetOrRefresh logs in again
func (m *Manager) Invalidate(ctx context.Context, userID, platform string) error {
	platform = strings.ToLower(platform)
	m.group.Forget(models.SessionKey(userID, platform))

	if err := m.storage.DeleteSession(ctx, userID, platform); err != nil {
		return common.NewPersistenceFailure("delete session", err)
	}

	m.logger.Info().Str("user_id", userID).Str("platform", platform).Msg("Platform session invalidated")
	return nil
}
