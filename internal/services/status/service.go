package status

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
)

// ArtifactsMissingSummary is reported for a success record whose files are gone
const ArtifactsMissingSummary = "artifacts missing"

// Service resolves the reported state of a job from its record and the
// artifacts on disk. It never writes.
type Service struct {
	jobs    interfaces.JobStorage
	locator *artifacts.Locator
	logger  arbor.ILogger
}

// NewService creates a new status resolver
func NewService(jobs interfaces.JobStorage, locator *artifacts.Locator, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    jobs,
		locator: locator,
		logger:  logger,
	}
}

// Resolve returns the snapshot for id. The record wins when present; a
// success record is only trusted while its files exist. Without a record a
// non-empty log file means the job is running somewhere.
func (s *Service) Resolve(ctx context.Context, id string) (*models.JobSnapshot, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if job == nil {
		// An empty log is what Create leaves behind before the record lands
		if info, statErr := os.Stat(s.locator.LogPath(id)); statErr == nil && info.Size() > 0 {
			s.logger.Debug().Str("job_id", id).Msg("No record, inferring running from log file")
			return &models.JobSnapshot{
				ID:           id,
				Status:       models.JobStatusRunning,
				LogReference: s.locator.LogPath(id),
				Inferred:     true,
			}, nil
		}
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}

	snapshot := job.Snapshot()

	if job.Status == models.JobStatusSuccess {
		for _, f := range job.ResultFiles {
			if !artifacts.FileExists(f.Path) {
				s.logger.Debug().Str("job_id", id).Str("path", f.Path).Msg("Result file missing")
				snapshot.Status = models.JobStatusFailed
				snapshot.ErrorSummary = ArtifactsMissingSummary
				snapshot.ResultFiles = nil
				break
			}
		}
	}

	return snapshot, nil
}
