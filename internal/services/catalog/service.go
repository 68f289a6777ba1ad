package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
)

// MissingFilesError is recorded on a ready row whose files disappeared
const MissingFilesError = "files missing"

// Service maintains the download index: one row per url+kind+quality+format
// recording the most recent outcome and where its files live.
type Service struct {
	storage interfaces.DownloadIndexStorage
	logger  arbor.ILogger
}

// NewService creates a new download index service
func NewService(storage interfaces.DownloadIndexStorage, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
	}
}

// Lookup reports whether a request can be served from disk. A ready row whose
// files are gone is marked failed and reported as a miss.
func (s *Service) Lookup(ctx context.Context, url string, kind models.JobKind, quality, format string) (*models.Availability, error) {
	key := models.IndexKey(url, kind, quality, format)

	entry, err := s.storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return &models.Availability{Status: models.AvailabilityMiss}, nil
		}
		return nil, err
	}

	switch entry.Status {
	case models.IndexStatusPending:
		return &models.Availability{Status: models.AvailabilityPending, JobID: entry.JobID}, nil
	case models.IndexStatusReady:
		if !FilesExist(entry.Files) {
			s.logger.Warn().Str("key", key).Str("job_id", entry.JobID).Msg("Indexed files missing, marking entry failed")
			if err := s.MarkFailed(ctx, entry, MissingFilesError); err != nil {
				return nil, err
			}
			return &models.Availability{Status: models.AvailabilityMiss}, nil
		}
		if err := s.Touch(ctx, entry); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("Failed to record index access")
		}
		return &models.Availability{Status: models.AvailabilityReady, JobID: entry.JobID, Files: entry.Files}, nil
	default:
		return &models.Availability{Status: models.AvailabilityMiss}, nil
	}
}

// RegisterPending records that job is now producing the files for its key.
// A ready row with files still on disk is left untouched.
func (s *Service) RegisterPending(ctx context.Context, job *models.Job) error {
	key := keyFor(job)
	if existing, err := s.storage.Get(ctx, key); err == nil {
		if existing.Status == models.IndexStatusReady && FilesExist(existing.Files) {
			return nil
		}
	}

	return s.storage.Upsert(ctx, &models.DownloadIndexEntry{
		Key:       key,
		URL:       job.SourceReference,
		Kind:      job.Kind,
		Quality:   job.Quality,
		Format:    job.Format,
		Status:    models.IndexStatusPending,
		JobID:     job.ID,
		CreatedAt: time.Now(),
	})
}

// RegisterSuccess points the row for job's key at its result files
func (s *Service) RegisterSuccess(ctx context.Context, job *models.Job) error {
	files := make([]string, 0, len(job.ResultFiles))
	for _, f := range job.ResultFiles {
		files = append(files, f.Path)
	}

	now := time.Now()
	entry := &models.DownloadIndexEntry{
		Key:        keyFor(job),
		URL:        job.SourceReference,
		Kind:       job.Kind,
		Quality:    job.Quality,
		Format:     job.Format,
		Files:      files,
		Status:     models.IndexStatusReady,
		JobID:      job.ID,
		CreatedAt:  now,
		LastAccess: &now,
	}
	if err := s.storage.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to register download: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Int("files", len(files)).Msg("Download index entry ready")
	return nil
}

// RegisterFailed records a failed or cancelled outcome. Only the row owned by
// job is changed so a ready result from another job survives.
func (s *Service) RegisterFailed(ctx context.Context, job *models.Job, reason string) error {
	key := keyFor(job)
	existing, err := s.storage.Get(ctx, key)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if existing != nil && existing.JobID != job.ID && existing.Status == models.IndexStatusReady {
		return nil
	}

	entry := &models.DownloadIndexEntry{
		Key:       key,
		URL:       job.SourceReference,
		Kind:      job.Kind,
		Quality:   job.Quality,
		Format:    job.Format,
		Status:    models.IndexStatusFailed,
		JobID:     job.ID,
		CreatedAt: time.Now(),
		Error:     models.TruncateSummary(reason),
	}
	if err := s.storage.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to register failed download: %w", err)
	}
	return nil
}

// Touch updates the last access time
func (s *Service) Touch(ctx context.Context, entry *models.DownloadIndexEntry) error {
	now := time.Now()
	entry.LastAccess = &now
	return s.storage.Upsert(ctx, entry)
}

// MarkFailed flips a row to failed, keeping its original creation time
func (s *Service) MarkFailed(ctx context.Context, entry *models.DownloadIndexEntry, reason string) error {
	entry.Status = models.IndexStatusFailed
	entry.Error = models.TruncateSummary(reason)
	if err := s.storage.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to mark index entry failed: %w", err)
	}
	return nil
}

func (s *Service) ListReady(ctx context.Context) ([]*models.DownloadIndexEntry, error) {
	return s.storage.ListByStatus(ctx, models.IndexStatusReady)
}

func (s *Service) ListFailedOlderThan(ctx context.Context, before time.Time) ([]*models.DownloadIndexEntry, error) {
	return s.storage.ListFailedBefore(ctx, before)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	return s.storage.Delete(ctx, key)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.storage.Count(ctx)
}

// FilesExist reports whether paths is non-empty and each is a non-empty regular file
func FilesExist(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !artifacts.FileExists(p) {
			return false
		}
	}
	return true
}

func keyFor(job *models.Job) string {
	return models.IndexKey(job.SourceReference, job.Kind, job.Quality, job.Format)
}

// Ensure Service implements DownloadIndexService interface
var _ interfaces.DownloadIndexService = (*Service)(nil)
