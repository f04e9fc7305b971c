package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// ActivityStorage implements the ActivityLogStorage interface for Badger
type ActivityStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewActivityStorage creates a new ActivityStorage instance
func NewActivityStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ActivityLogStorage {
	return &ActivityStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ActivityStorage) SaveActivity(ctx context.Context, entry *models.ActivityLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("activity ID is required")
	}
	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}
	return nil
}

func (s *ActivityStorage) GetActivity(ctx context.Context, id string) (*models.ActivityLogEntry, error) {
	var entry models.ActivityLogEntry
	if err := s.db.Store().Get(id, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &entry, nil
}

// ListActivityByConfig returns the newest entries first; limit <= 0 returns all
func (s *ActivityStorage) ListActivityByConfig(ctx context.Context, configID string, limit int) ([]*models.ActivityLogEntry, error) {
	query := badgerhold.Where("ID").Ne("")
	if configID != "" {
		query = badgerhold.Where("ConfigID").Eq(configID)
	}
	entries, err := s.find(query)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ListOpenActivity returns entries that were never finalized
func (s *ActivityStorage) ListOpenActivity(ctx context.Context) ([]*models.ActivityLogEntry, error) {
	return s.find(badgerhold.Where("Status").Eq(models.ActivityStatusRunning))
}

func (s *ActivityStorage) LatestActivity(ctx context.Context, configID string) (*models.ActivityLogEntry, error) {
	entries, err := s.ListActivityByConfig(ctx, configID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return entries[0], nil
}

func (s *ActivityStorage) find(query *badgerhold.Query) ([]*models.ActivityLogEntry, error) {
	var entries []models.ActivityLogEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}

	result := make([]*models.ActivityLogEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	return result, nil
}
