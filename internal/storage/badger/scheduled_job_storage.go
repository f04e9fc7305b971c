package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// ScheduledJobStorage implements the ScheduledJobStorage interface for Badger
type ScheduledJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduledJobStorage creates a new ScheduledJobStorage instance
func NewScheduledJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScheduledJobStorage {
	return &ScheduledJobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ScheduledJobStorage) SaveScheduledJob(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" {
		return fmt.Errorf("scheduled job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save scheduled job: %w", err)
	}
	return nil
}

func (s *ScheduledJobStorage) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scheduled job: %w", err)
	}
	return &job, nil
}

func (s *ScheduledJobStorage) GetScheduledJobByName(ctx context.Context, name string) (*models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("failed to find scheduled job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &jobs[0], nil
}

// ListScheduledJobs returns all jobs ordered by next fire time
func (s *ScheduledJobStorage) ListScheduledJobs(ctx context.Context) ([]*models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	result := make([]*models.ScheduledJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextRunAt.Before(result[j].NextRunAt) })
	return result, nil
}
