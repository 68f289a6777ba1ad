package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CleanupRunStorage implements the CleanupRunStorage interface for Badger
type CleanupRunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCleanupRunStorage creates a new CleanupRunStorage instance
func NewCleanupRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CleanupRunStorage {
	return &CleanupRunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CleanupRunStorage) SaveRun(ctx context.Context, run *models.CleanupRunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Insert(run.ID, *run); err != nil {
		return fmt.Errorf("failed to save cleanup run: %w", err)
	}
	return nil
}

func (s *CleanupRunStorage) ListRuns(ctx context.Context, limit int) ([]*models.CleanupRunRecord, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []models.CleanupRunRecord
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list cleanup runs: %w", err)
	}

	result := make([]*models.CleanupRunRecord, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

// LatestRun returns the most recent run for a trigger, or nil when none exists
func (s *CleanupRunStorage) LatestRun(ctx context.Context, trigger string) (*models.CleanupRunRecord, error) {
	var runs []models.CleanupRunRecord
	query := badgerhold.Where("Trigger").Eq(trigger).SortBy("StartedAt").Reverse().Limit(1)
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to find latest cleanup run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *CleanupRunStorage) DeleteRunsBefore(ctx context.Context, before time.Time) (int, error) {
	query := badgerhold.Where("StartedAt").Lt(before)

	count, err := s.db.Store().Count(&models.CleanupRunRecord{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count old cleanup runs: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.db.Store().DeleteMatching(&models.CleanupRunRecord{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete old cleanup runs: %w", err)
	}
	return int(count), nil
}
