package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/storage/badger"
	"github.com/ternarybob/autoapply/internal/storage/redisstore"
)

// NewStorageManager creates the storage manager described by config.
// Records always live in Badger; quota counters move to Redis when ratelimit.backend = "redis".
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	manager, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	switch config.RateLimit.Backend {
	case "", "badger":
		return manager, nil
	case "redis":
		quota, err := redisstore.NewQuotaStore(ctx, &config.Storage.Redis, logger)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		return &sharedQuotaManager{Manager: manager, quota: quota}, nil
	default:
		_ = manager.Close()
		return nil, fmt.Errorf("unsupported rate limit backend: %s", config.RateLimit.Backend)
	}
}

// sharedQuotaManager serves records from Badger and quota counters from Redis
type sharedQuotaManager struct {
	*badger.Manager
	quota *redisstore.QuotaStore
}

func (m *sharedQuotaManager) QuotaStore() interfaces.QuotaStore {
	return m.quota
}

func (m *sharedQuotaManager) Ping(ctx context.Context) error {
	if err := m.Manager.Ping(ctx); err != nil {
		return err
	}
	if err := m.quota.Ping(ctx); err != nil {
		return common.NewPersistenceFailure("ping redis", err)
	}
	return nil
}

func (m *sharedQuotaManager) Close() error {
	quotaErr := m.quota.Close()
	if err := m.Manager.Close(); err != nil {
		return err
	}
	return quotaErr
}
