package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DownloadIndexStorage implements the DownloadIndexStorage interface for Badger
type DownloadIndexStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDownloadIndexStorage creates a new DownloadIndexStorage instance
func NewDownloadIndexStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DownloadIndexStorage {
	return &DownloadIndexStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DownloadIndexStorage) Get(ctx context.Context, key string) (*models.DownloadIndexEntry, error) {
	var entry models.DownloadIndexEntry
	if err := s.db.Store().Get(key, &entry); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("index entry %s: %w", key, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get index entry: %w", err)
	}
	return &entry, nil
}

func (s *DownloadIndexStorage) Upsert(ctx context.Context, entry *models.DownloadIndexEntry) error {
	if entry.Key == "" {
		entry.Key = models.IndexKey(entry.URL, entry.Kind, entry.Quality, entry.Format)
	}
	if err := s.db.Store().Upsert(entry.Key, *entry); err != nil {
		return fmt.Errorf("failed to save index entry: %w", err)
	}
	return nil
}

func (s *DownloadIndexStorage) GetByJobID(ctx context.Context, jobID string) (*models.DownloadIndexEntry, error) {
	var entries []models.DownloadIndexEntry
	if err := s.db.Store().Find(&entries, badgerhold.Where("JobID").Eq(jobID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find index entry by job: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("index entry for job %s: %w", jobID, common.ErrNotFound)
	}
	return &entries[0], nil
}

func (s *DownloadIndexStorage) ListByStatus(ctx context.Context, status models.IndexStatus) ([]*models.DownloadIndexEntry, error) {
	var entries []models.DownloadIndexEntry
	if err := s.db.Store().Find(&entries, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list index entries: %w", err)
	}
	return toEntryPointers(entries), nil
}

func (s *DownloadIndexStorage) ListFailedBefore(ctx context.Context, before time.Time) ([]*models.DownloadIndexEntry, error) {
	var entries []models.DownloadIndexEntry
	query := badgerhold.Where("Status").Eq(models.IndexStatusFailed).And("CreatedAt").Lt(before)
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list failed index entries: %w", err)
	}
	return toEntryPointers(entries), nil
}

func (s *DownloadIndexStorage) Delete(ctx context.Context, key string) error {
	if err := s.db.Store().Delete(key, models.DownloadIndexEntry{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("index entry %s: %w", key, common.ErrNotFound)
		}
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}

func (s *DownloadIndexStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.DownloadIndexEntry{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return int(count), nil
}

func toEntryPointers(entries []models.DownloadIndexEntry) []*models.DownloadIndexEntry {
	result := make([]*models.DownloadIndexEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result
}
