package badger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// maxConflictRetries bounds how often a quota transaction is replayed after a write conflict
const maxConflictRetries = 64

// QuotaStorage implements the QuotaStore interface for Badger.
// Check-and-increment runs in one serializable badger transaction; concurrent
// writers to the same record conflict at commit and are replayed.
type QuotaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewQuotaStorage creates a new QuotaStorage instance
func NewQuotaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.QuotaStore {
	return &QuotaStorage{
		db:     db,
		logger: logger,
	}
}

func (s *QuotaStorage) TryConsume(ctx context.Context, req interfaces.QuotaRequest) (bool, int, error) {
	key := models.QuotaKey(req.UserID, req.Platform)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, 0, err
		}

		var allowed bool
		var remaining int

		err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
			record, err := s.current(txn, key, req)
			if err != nil {
				return err
			}

			if record.Count >= record.Limit {
				// Denied: nothing is written
				allowed = false
				remaining = 0
				return nil
			}

			record.Count++
			record.UpdatedAt = req.Now
			allowed = true
			remaining = record.Remaining()
			return s.db.Store().TxUpsert(txn, key, record)
		})

		if errors.Is(err, badger.ErrConflict) {
			time.Sleep(time.Duration(rand.Intn(500)+50) * time.Microsecond)
			continue
		}
		if err != nil {
			return false, 0, fmt.Errorf("failed to consume quota: %w", err)
		}
		return allowed, remaining, nil
	}

	return false, 0, fmt.Errorf("failed to consume quota for %s: too many write conflicts", key)
}

func (s *QuotaStorage) Remaining(ctx context.Context, req interfaces.QuotaRequest) (int, error) {
	key := models.QuotaKey(req.UserID, req.Platform)
	var remaining int
	err := s.db.Store().Badger().View(func(txn *badger.Txn) error {
		record, err := s.current(txn, key, req)
		if err != nil {
			return err
		}
		remaining = record.Remaining()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return remaining, nil
}

// current loads the record for the request's window, starting a fresh window when the stored one is older
func (s *QuotaStorage) current(txn *badger.Txn, key string, req interfaces.QuotaRequest) (*models.RateLimitRecord, error) {
	var record models.RateLimitRecord
	err := s.db.Store().TxGet(txn, key, &record)
	switch {
	case err == badgerhold.ErrNotFound:
		record = models.RateLimitRecord{ID: key, UserID: req.UserID, Platform: req.Platform}
	case err != nil:
		return nil, err
	}

	if !record.WindowStart.Equal(req.WindowStart) {
		record.WindowStart = req.WindowStart
		record.Count = 0
	}
	record.Limit = req.Limit
	return &record, nil
}
