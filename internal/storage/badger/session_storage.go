package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// SessionStorage implements the SessionStorage interface for Badger
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSessionStorage creates a new SessionStorage instance
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SessionStorage) GetSession(ctx context.Context, userID, platform string) (*models.SessionCookie, error) {
	var session models.SessionCookie
	if err := s.db.Store().Get(models.SessionKey(userID, platform), &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// SaveSession replaces any existing record for the same (user, platform)
func (s *SessionStorage) SaveSession(ctx context.Context, session *models.SessionCookie) error {
	if session.UserID == "" || session.Platform == "" {
		return fmt.Errorf("session user and platform are required")
	}
	session.ID = models.SessionKey(session.UserID, session.Platform)

	var existing models.SessionCookie
	if err := s.db.Store().Get(session.ID, &existing); err == nil && session.CreatedAt.IsZero() {
		session.CreatedAt = existing.CreatedAt
	}

	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStorage) DeleteSession(ctx context.Context, userID, platform string) error {
	if err := s.db.Store().Delete(models.SessionKey(userID, platform), &models.SessionCookie{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
