package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autoapply/internal/common"
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, common.NewPersistenceFailure("open badger", fmt.Errorf("%s: %w", config.Path, err))
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return newBadgerDB(store, logger, config), nil
}

func newBadgerDB(store *badgerhold.Store, logger arbor.ILogger, config *common.BadgerConfig) *BadgerDB {
	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Ping reports whether the database is open and readable
func (b *BadgerDB) Ping(ctx context.Context) error {
	if b.store == nil || b.store.Badger().IsClosed() {
		return common.NewPersistenceFailure("ping", badger.ErrDBClosed)
	}
	return b.store.Badger().View(func(txn *badger.Txn) error { return nil })
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
