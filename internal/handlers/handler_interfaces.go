package handlers

import (
	"context"

	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/services/scheduler"
)

// ScheduleService is the scheduler surface exposed over HTTP
type ScheduleService interface {
	Schedule(ctx context.Context, spec scheduler.TriggerSpec) (string, error)
	TriggerNow(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	List(ctx context.Context) ([]*models.ScheduledJob, error)
	Get(ctx context.Context, jobID string) (*models.ScheduledJob, error)
}
