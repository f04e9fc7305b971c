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

// FailureStorage implements the FailureStorage interface for Badger.
// Records are inserted, never updated.
type FailureStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFailureStorage creates a new FailureStorage instance
func NewFailureStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FailureStorage {
	return &FailureStorage{
		db:     db,
		logger: logger,
	}
}

func (s *FailureStorage) AppendFailure(ctx context.Context, record *models.FailureRecord) error {
	if record.ID == "" {
		record.ID = common.NewID("fail")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		return fmt.Errorf("failed to append failure: %w", err)
	}
	return nil
}

// ListFailures returns the newest records first; an empty userID lists all users
func (s *FailureStorage) ListFailures(ctx context.Context, userID string, limit int) ([]*models.FailureRecord, error) {
	query := badgerhold.Where("ID").Ne("")
	if userID != "" {
		query = badgerhold.Where("UserID").Eq(userID)
	}

	var records []models.FailureRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}

	result := make([]*models.FailureRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
