package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// HistoryStorage implements the ApplicationHistoryStorage interface for Badger
type HistoryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHistoryStorage creates a new HistoryStorage instance
func NewHistoryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ApplicationHistoryStorage {
	return &HistoryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *HistoryStorage) HasApplied(ctx context.Context, userID, jobKey string) (bool, error) {
	var record models.ApplicationHistory
	err := s.db.Store().Get(models.HistoryKey(userID, jobKey), &record)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check application history: %w", err)
	}
	return true, nil
}

// RecordApplication keeps the first record for a (user, job); later records are ignored
func (s *HistoryStorage) RecordApplication(ctx context.Context, record *models.ApplicationHistory) error {
	record.ID = models.HistoryKey(record.UserID, record.JobKey)
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}

	err := s.db.Store().Insert(record.ID, record)
	if err == badgerhold.ErrKeyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record application: %w", err)
	}
	return nil
}

// ExternalQueueStorage implements the ExternalQueueStorage interface for Badger
type ExternalQueueStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewExternalQueueStorage creates a new ExternalQueueStorage instance
func NewExternalQueueStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ExternalQueueStorage {
	return &ExternalQueueStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ExternalQueueStorage) EnqueueExternal(ctx context.Context, item *models.ExternalApplication) error {
	if item.ID == "" {
		item.ID = common.NewID("ext")
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	if err := s.db.Store().Insert(item.ID, item); err != nil {
		return fmt.Errorf("failed to enqueue external application: %w", err)
	}
	return nil
}

// ListExternal returns the newest items first; an empty userID lists all users
func (s *ExternalQueueStorage) ListExternal(ctx context.Context, userID string) ([]*models.ExternalApplication, error) {
	query := badgerhold.Where("ID").Ne("")
	if userID != "" {
		query = badgerhold.Where("UserID").Eq(userID)
	}

	var items []models.ExternalApplication
	if err := s.db.Store().Find(&items, query); err != nil {
		return nil, fmt.Errorf("failed to list external applications: %w", err)
	}

	result := make([]*models.ExternalApplication, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QueuedAt.After(result[j].QueuedAt) })
	return result, nil
}
