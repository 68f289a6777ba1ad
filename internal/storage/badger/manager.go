package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	job    interfaces.JobStorage
	index  interfaces.DownloadIndexStorage
	runs   interfaces.CleanupRunStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		index:  NewDownloadIndexStorage(db, logger),
		runs:   NewCleanupRunStorage(db, logger),
		logger: logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// DownloadIndexStorage returns the download index storage interface
func (m *Manager) DownloadIndexStorage() interfaces.DownloadIndexStorage {
	return m.index
}

// CleanupRunStorage returns the cleanup run storage interface
func (m *Manager) CleanupRunStorage() interfaces.CleanupRunStorage {
	return m.runs
}

// DiskUsage returns the on-disk size of the database
func (m *Manager) DiskUsage() int64 {
	if m.db == nil {
		return 0
	}
	return m.db.Size()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
