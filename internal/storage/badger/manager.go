package badger

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db           *BadgerDB
	config       interfaces.AutoApplyConfigStorage
	session      interfaces.SessionStorage
	quota        interfaces.QuotaStore
	activity     interfaces.ActivityLogStorage
	failure      interfaces.FailureStorage
	scheduledJob interfaces.ScheduledJobStorage
	history      interfaces.ApplicationHistoryStorage
	external     interfaces.ExternalQueueStorage
	logger       arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:           db,
		config:       NewConfigStorage(db, logger),
		session:      NewSessionStorage(db, logger),
		quota:        NewQuotaStorage(db, logger),
		activity:     NewActivityStorage(db, logger),
		failure:      NewFailureStorage(db, logger),
		scheduledJob: NewScheduledJobStorage(db, logger),
		history:      NewHistoryStorage(db, logger),
		external:     NewExternalQueueStorage(db, logger),
		logger:       logger,
	}
}

// ConfigStorage returns the auto-apply config storage interface
func (m *Manager) ConfigStorage() interfaces.AutoApplyConfigStorage {
	return m.config
}

// SessionStorage returns the session storage interface
func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

// QuotaStore returns the embedded quota store
func (m *Manager) QuotaStore() interfaces.QuotaStore {
	return m.quota
}

// ActivityLogStorage returns the activity log storage interface
func (m *Manager) ActivityLogStorage() interfaces.ActivityLogStorage {
	return m.activity
}

// FailureStorage returns the failure storage interface
func (m *Manager) FailureStorage() interfaces.FailureStorage {
	return m.failure
}

// ScheduledJobStorage returns the scheduled job storage interface
func (m *Manager) ScheduledJobStorage() interfaces.ScheduledJobStorage {
	return m.scheduledJob
}

// ApplicationHistoryStorage returns the application history storage interface
func (m *Manager) ApplicationHistoryStorage() interfaces.ApplicationHistoryStorage {
	return m.history
}

// ExternalQueueStorage returns the external application queue interface
func (m *Manager) ExternalQueueStorage() interfaces.ExternalQueueStorage {
	return m.external
}

// Ping checks the database is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing Badger storage")
	return m.db.Close()
}
