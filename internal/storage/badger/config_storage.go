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

// ConfigStorage implements the AutoApplyConfigStorage interface for Badger
type ConfigStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConfigStorage creates a new ConfigStorage instance
func NewConfigStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AutoApplyConfigStorage {
	return &ConfigStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ConfigStorage) SaveConfig(ctx context.Context, config *models.AutoApplyConfig) error {
	if config.ID == "" {
		return fmt.Errorf("config ID is required")
	}

	now := time.Now()
	var existing models.AutoApplyConfig
	if err := s.db.Store().Get(config.ID, &existing); err == nil {
		config.CreatedAt = existing.CreatedAt
	} else if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now

	if err := s.db.Store().Upsert(config.ID, config); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (s *ConfigStorage) GetConfig(ctx context.Context, id string) (*models.AutoApplyConfig, error) {
	var config models.AutoApplyConfig
	if err := s.db.Store().Get(id, &config); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return &config, nil
}

func (s *ConfigStorage) ListConfigs(ctx context.Context) ([]*models.AutoApplyConfig, error) {
	return s.find(nil)
}

func (s *ConfigStorage) ListActiveConfigs(ctx context.Context) ([]*models.AutoApplyConfig, error) {
	return s.find(badgerhold.Where("Enabled").Eq(true))
}

func (s *ConfigStorage) find(query *badgerhold.Query) ([]*models.AutoApplyConfig, error) {
	var configs []models.AutoApplyConfig
	if err := s.db.Store().Find(&configs, query); err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}

	result := make([]*models.AutoApplyConfig, len(configs))
	for i := range configs {
		result[i] = &configs[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
