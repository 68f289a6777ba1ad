package handlers

import (
	"context"

	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/jobs"
)

// JobController is the lifecycle surface the download routes drive.
type JobController interface {
	Create(ctx context.Context, req jobs.CreateRequest) (string, error)
	Get(ctx context.Context, id string) (*models.JobSnapshot, error)
	Cancel(ctx context.Context, id string) error
}

// AvailabilityChecker answers download index lookups.
type AvailabilityChecker interface {
	Lookup(ctx context.Context, url string, kind models.JobKind, quality, format string) (*models.Availability, error)
}

// CleanupAdmin is the retention facade behind the admin routes.
type CleanupAdmin interface {
	Trigger(ctx context.Context, targets []models.CleanupTarget, dryRun bool) (*models.CleanupRunRecord, error)
	Schedule() []models.ScheduleInfo
}

// StorageReporter serves storage stats, the retention policy and run history.
type StorageReporter interface {
	Stats(ctx context.Context) (*models.StorageStats, error)
	Config() models.RetentionConfig
	ListRuns(ctx context.Context, limit int) ([]*models.CleanupRunRecord, error)
}
