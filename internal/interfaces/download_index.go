package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/snapload/internal/models"
)

// DownloadIndexService mirrors job outcomes into the download index and
// answers availability lookups
type DownloadIndexService interface {
	Lookup(ctx context.Context, url string, kind models.JobKind, quality, format string) (*models.Availability, error)
	RegisterPending(ctx context.Context, job *models.Job) error
	RegisterSuccess(ctx context.Context, job *models.Job) error
	RegisterFailed(ctx context.Context, job *models.Job, reason string) error
	MarkFailed(ctx context.Context, entry *models.DownloadIndexEntry, reason string) error
	ListReady(ctx context.Context) ([]*models.DownloadIndexEntry, error)
	ListFailedOlderThan(ctx context.Context, before time.Time) ([]*models.DownloadIndexEntry, error)
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}
