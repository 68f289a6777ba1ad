package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxTxRetries bounds retries of a transaction that lost an optimistic conflict
const maxTxRetries = 5

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	// Store the value, not the pointer, so Get/Find see the same type prefix
	if err := s.db.Store().Insert(job.ID, *job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("job %s already exists: %w", job.ID, common.ErrInvalidState)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Transition reads the stored record, applies t and writes it back inside one
// badger transaction. A concurrent writer on the same key makes badger abort
// one side with ErrConflict; that side re-reads and re-validates.
func (s *JobStorage) Transition(ctx context.Context, id string, t models.Transition) (*models.Job, error) {
	var updated models.Job

	for attempt := 1; ; attempt++ {
		err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			var job models.Job
			if err := s.db.Store().TxGet(tx, id, &job); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
				}
				return fmt.Errorf("failed to get job: %w", err)
			}

			from := job.Status
			if err := job.Apply(t); err != nil {
				return fmt.Errorf("%w: %v", common.ErrInvalidState, err)
			}

			if err := s.db.Store().TxUpdate(tx, id, job); err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}

			s.logger.Trace().
				Str("job_id", id).
				Str("from", string(from)).
				Str("to", string(job.Status)).
				Msg("BadgerDB: Job transition committed")

			updated = job
			return nil
		})

		if errors.Is(err, badger.ErrConflict) && attempt < maxTxRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if !opts.CreatedBefore.IsZero() {
			query = query.And("CreatedAt").Lt(opts.CreatedBefore)
		}
	}

	query = query.SortBy("CreatedAt").Reverse()

	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) ListActiveJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusQueued, models.JobStatusRunning)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

// DeleteTerminalJob re-checks the stored state inside the delete transaction so
// a record is never removed while its job is still queued or running.
func (s *JobStorage) DeleteTerminalJob(ctx context.Context, id string) error {
	return s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
			}
			return fmt.Errorf("failed to get job: %w", err)
		}
		if !job.Status.IsTerminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.Status, common.ErrInvalidState)
		}
		if err := s.db.Store().TxDelete(tx, id, models.Job{}); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}
