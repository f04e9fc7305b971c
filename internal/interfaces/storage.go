package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/autoapply/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// AutoApplyConfigStorage - read side used by the cycle, write side used by the config loader
type AutoApplyConfigStorage interface {
	SaveConfig(ctx context.Context, config *models.AutoApplyConfig) error
	GetConfig(ctx context.Context, id string) (*models.AutoApplyConfig, error)
	ListConfigs(ctx context.Context) ([]*models.AutoApplyConfig, error)
	ListActiveConfigs(ctx context.Context) ([]*models.AutoApplyConfig, error)
}

// SessionStorage - one session record per (user, platform)
type SessionStorage interface {
	GetSession(ctx context.Context, userID, platform string) (*models.SessionCookie, error)
	SaveSession(ctx context.Context, session *models.SessionCookie) error
	DeleteSession(ctx context.Context, userID, platform string) error
}

// QuotaRequest identifies the fixed window a quota operation applies to
type QuotaRequest struct {
	UserID      string
	Platform    string
	Limit       int
	WindowStart time.Time
	Window      time.Duration
	Now         time.Time
}

// QuotaStore is the single source of truth for rate-limit counters.
// TryConsume must be one atomic check-and-increment; a denied call leaves the count untouched.
type QuotaStore interface {
	TryConsume(ctx context.Context, req QuotaRequest) (allowed bool, remaining int, err error)
	Remaining(ctx context.Context, req QuotaRequest) (int, error)
}

// ActivityLogStorage - one entry per (config, cycle invocation)
type ActivityLogStorage interface {
	SaveActivity(ctx context.Context, entry *models.ActivityLogEntry) error
	GetActivity(ctx context.Context, id string) (*models.ActivityLogEntry, error)
	ListActivityByConfig(ctx context.Context, configID string, limit int) ([]*models.ActivityLogEntry, error)
	ListOpenActivity(ctx context.Context) ([]*models.ActivityLogEntry, error)
	LatestActivity(ctx context.Context, configID string) (*models.ActivityLogEntry, error)
}

// FailureStorage - append-only
type FailureStorage interface {
	AppendFailure(ctx context.Context, record *models.FailureRecord) error
	ListFailures(ctx context.Context, userID string, limit int) ([]*models.FailureRecord, error)
}

// ScheduledJobStorage - persisted triggers; the scheduler derives due state from here
type ScheduledJobStorage interface {
	SaveScheduledJob(ctx context.Context, job *models.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error)
	GetScheduledJobByName(ctx context.Context, name string) (*models.ScheduledJob, error)
	ListScheduledJobs(ctx context.Context) ([]*models.ScheduledJob, error)
}

// ApplicationHistoryStorage - jobs already acted upon, for cross-cycle duplicate detection
type ApplicationHistoryStorage interface {
	HasApplied(ctx context.Context, userID, jobKey string) (bool, error)
	RecordApplication(ctx context.Context, record *models.ApplicationHistory) error
}

// ExternalQueueStorage - postings waiting for manual off-platform application
type ExternalQueueStorage interface {
	EnqueueExternal(ctx context.Context, item *models.ExternalApplication) error
	ListExternal(ctx context.Context, userID string) ([]*models.ExternalApplication, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	ConfigStorage() AutoApplyConfigStorage
	SessionStorage() SessionStorage
	QuotaStore() QuotaStore
	ActivityLogStorage() ActivityLogStorage
	FailureStorage() FailureStorage
	ScheduledJobStorage() ScheduledJobStorage
	ApplicationHistoryStorage() ApplicationHistoryStorage
	ExternalQueueStorage() ExternalQueueStorage
	Ping(ctx context.Context) error
	Close() error
}
