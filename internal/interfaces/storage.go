package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/snapload/internal/models"
)

// JobStorage persists job records. Writes for a single id are linearized:
// Transition is an atomic compare-and-set against the current stored state.
type JobStorage interface {
	// CreateJob inserts a new record; fails if the id already exists
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// Transition applies t atomically and returns the updated record.
	// Returns common.ErrNotFound for an unknown id and common.ErrInvalidState
	// when the edge is not allowed from the stored state.
	Transition(ctx context.Context, id string, t models.Transition) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	ListActiveJobs(ctx context.Context) ([]*models.Job, error)
	CountJobs(ctx context.Context) (int, error)
	// DeleteTerminalJob removes a record only if it is still terminal at delete time
	DeleteTerminalJob(ctx context.Context, id string) error
}

// JobListOptions filters and pages ListJobs
type JobListOptions struct {
	Status        models.JobStatus
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// DownloadIndexStorage persists the download index (url+kind+quality+format cache)
type DownloadIndexStorage interface {
	Get(ctx context.Context, key string) (*models.DownloadIndexEntry, error)
	Upsert(ctx context.Context, entry *models.DownloadIndexEntry) error
	GetByJobID(ctx context.Context, jobID string) (*models.DownloadIndexEntry, error)
	ListByStatus(ctx context.Context, status models.IndexStatus) ([]*models.DownloadIndexEntry, error)
	ListFailedBefore(ctx context.Context, before time.Time) ([]*models.DownloadIndexEntry, error)
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}

// CleanupRunStorage persists cleanup run records
type CleanupRunStorage interface {
	SaveRun(ctx context.Context, run *models.CleanupRunRecord) error
	ListRuns(ctx context.Context, limit int) ([]*models.CleanupRunRecord, error)
	LatestRun(ctx context.Context, trigger string) (*models.CleanupRunRecord, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int, error)
}

// StorageManager is the composite storage interface
type StorageManager interface {
	JobStorage() JobStorage
	DownloadIndexStorage() DownloadIndexStorage
	CleanupRunStorage() CleanupRunStorage
	// DiskUsage returns the on-disk size of the database (LSM + value log)
	DiskUsage() int64
	Close() error
}
