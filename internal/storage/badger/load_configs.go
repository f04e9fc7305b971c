package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// LoadConfigsFromFiles seeds auto-apply configs from .toml, .yaml and .yml files in dir.
// Configs that fail validation are still saved; the cycle reports them as CONFIGURATION failures.
func LoadConfigsFromFiles(ctx context.Context, configStorage interfaces.AutoApplyConfigStorage, dir string, logger arbor.ILogger) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Configs directory does not exist, skipping")
		return 0, nil
	}

	logger.Info().Str("dir", dir).Msg("Loading auto-apply configs from files")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read configs directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read config file")
			continue
		}

		config, err := decodeConfig(ext, data)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse config file")
			continue
		}

		if config.ID == "" {
			config.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}

		if validationErr := config.Validate(); validationErr != nil {
			logger.Warn().Err(validationErr).Str("file", entry.Name()).Str("config_id", config.ID).Msg("Config validation failed - saving anyway")
		}

		if err := configStorage.SaveConfig(ctx, config); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("config_id", config.ID).Msg("Failed to save config")
			continue
		}

		logger.Info().Str("file", entry.Name()).Str("config_id", config.ID).Str("user_id", config.UserID).Msg("Config loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Auto-apply configs loaded from files")
	} else {
		logger.Debug().Msg("No auto-apply configs loaded from files")
	}

	return loadedCount, nil
}

func decodeConfig(ext string, data []byte) (*models.AutoApplyConfig, error) {
	var config models.AutoApplyConfig
	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	}
	return &config, nil
}
