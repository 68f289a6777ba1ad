package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/downloader"
)

// Runner executes one job to a terminal state
type Runner interface {
	Run(ctx context.Context, job *models.Job) downloader.Outcome
}

// Resolver answers status queries
type Resolver interface {
	Resolve(ctx context.Context, id string) (*models.JobSnapshot, error)
}

// CreateRequest carries the parameters of a new fetch job
type CreateRequest struct {
	SourceReference string
	Kind            models.JobKind
	Quality         string
	Format          string
}

// Manager owns the job lifecycle: it creates records, runs each job on its
// own goroutine behind an admission limit and routes cancellation to the
// live handle.
type Manager struct {
	jobs     interfaces.JobStorage
	resolver Resolver
	runner   Runner
	locator  *artifacts.Locator
	registry *handleRegistry
	slots    chan struct{} // nil when unbounded
	logger   arbor.ILogger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	stopping bool
}

// NewManager creates a new job lifecycle manager. maxConcurrent <= 0 disables
// the admission limit.
func NewManager(
	jobs interfaces.JobStorage,
	resolver Resolver,
	runner Runner,
	locator *artifacts.Locator,
	maxConcurrent int,
	logger arbor.ILogger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		jobs:       jobs,
		resolver:   resolver,
		runner:     runner,
		locator:    locator,
		registry:   newHandleRegistry(),
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	if maxConcurrent > 0 {
		m.slots = make(chan struct{}, maxConcurrent)
	}
	return m
}

// Create registers a queued job and starts it in the background. It returns
// as soon as the record is written.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	ref := strings.TrimSpace(req.SourceReference)
	if ref == "" {
		return "", fmt.Errorf("source reference is required: %w", common.ErrValidation)
	}
	kind, err := models.ParseJobKind(string(req.Kind))
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, common.ErrValidation)
	}

	// Held until the goroutine is registered so Shutdown cannot miss it
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopping {
		return "", fmt.Errorf("job manager is shutting down: %w", common.ErrInvalidState)
	}

	id := common.NewJobID()
	job := &models.Job{
		ID:              id,
		SourceReference: ref,
		Kind:            kind,
		Quality:         strings.TrimSpace(req.Quality),
		Format:          strings.TrimSpace(req.Format),
		Status:          models.JobStatusQueued,
		CreatedAt:       time.Now(),
		LogReference:    m.locator.LogPath(id),
	}

	if err := os.WriteFile(job.LogReference, nil, 0644); err != nil {
		return "", fmt.Errorf("failed to create job log: %w", err)
	}

	unlock := m.registry.lock(id)
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		unlock()
		os.Remove(job.LogReference)
		return "", err
	}

	jobCtx, cancel := context.WithCancel(m.baseCtx)
	handle := &jobHandle{cancel: cancel, done: make(chan struct{})}
	m.registry.register(id, handle)
	unlock()

	m.wg.Add(1)
	common.SafeGo(m.logger, "job:"+id, func() {
		defer m.wg.Done()
		m.runJob(jobCtx, job, handle)
	}, func(recovered interface{}) {
		m.settleAfterPanic(id, recovered)
	})

	m.logger.WithCorrelationId(id).Info().
		Str("job_id", id).
		Str("url", ref).
		Str("kind", string(kind)).
		Str("status", string(models.JobStatusQueued)).
		Msg("Job queued")

	return id, nil
}

// runJob waits for an admission slot and hands the job to the runner. The
// handle is released only after the runner has committed a terminal record.
func (m *Manager) runJob(ctx context.Context, job *models.Job, handle *jobHandle) {
	defer func() {
		unlock := m.registry.lock(job.ID)
		m.registry.remove(job.ID)
		unlock()
		handle.cancel()
		close(handle.done)
	}()

	if !m.acquire(ctx) {
		// Cancelled while still queued
		if _, err := m.jobs.Transition(context.WithoutCancel(ctx), job.ID, models.Transition{To: models.JobStatusCancelled}); err != nil && !errors.Is(err, common.ErrInvalidState) {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to cancel queued job")
		}
		return
	}
	defer m.release()

	outcome := m.runner.Run(ctx, job)
	if outcome.Err != nil {
		m.logger.Debug().Err(outcome.Err).Str("job_id", job.ID).Msg("Runner reported a dropped transition")
	}
}

func (m *Manager) acquire(ctx context.Context) bool {
	if m.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case m.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) release() {
	if m.slots != nil {
		<-m.slots
	}
}

// settleAfterPanic moves a job whose goroutine panicked out of its active state
func (m *Manager) settleAfterPanic(id string, recovered interface{}) {
	ctx := context.Background()
	job, err := m.jobs.GetJob(ctx, id)
	if err != nil || job.Status.IsTerminal() {
		return
	}

	t := models.Transition{To: models.JobStatusCancelled}
	if job.Status == models.JobStatusRunning {
		t = models.Transition{To: models.JobStatusFailed, ErrorSummary: fmt.Sprintf("internal error: %v", recovered)}
	}
	if _, err := m.jobs.Transition(ctx, id, t); err != nil {
		m.logger.Error().Err(err).Str("job_id", id).Msg("Failed to settle job after panic")
	}
}

// Get returns the resolved status of a job
func (m *Manager) Get(ctx context.Context, id string) (*models.JobSnapshot, error) {
	return m.resolver.Resolve(ctx, id)
}

// Cancel requests cancellation. A queued job is cancelled on the spot; a
// running job is signalled and its runner records the cancellation once the
// tool is stopped. Cancelling twice, or cancelling a terminal job, returns
// common.ErrInvalidState.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	unlock := m.registry.lock(id)
	defer unlock()

	job, err := m.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is already %s: %w", id, job.Status, common.ErrInvalidState)
	}

	handle := m.registry.get(id)
	if handle != nil && handle.cancelRequested {
		return fmt.Errorf("cancel already requested for job %s: %w", id, common.ErrInvalidState)
	}

	jobLogger := m.logger.WithCorrelationId(id)

	// Queued jobs and jobs without a live handle are settled directly
	if job.Status == models.JobStatusQueued || handle == nil {
		if _, err := m.jobs.Transition(ctx, id, models.Transition{To: models.JobStatusCancelled}); err != nil {
			return err
		}
		if handle != nil {
			handle.cancelRequested = true
			handle.cancel()
		}
		jobLogger.Info().Str("job_id", id).Str("from", string(job.Status)).Str("status", string(models.JobStatusCancelled)).Msg("Job cancelled")
		return nil
	}

	handle.cancelRequested = true
	handle.cancel()
	jobLogger.Info().Str("job_id", id).Msg("Cancellation requested")
	return nil
}

// ActiveJobIDs returns the ids that currently hold a live handle
func (m *Manager) ActiveJobIDs() []string {
	return m.registry.ids()
}

// Shutdown stops accepting jobs, cancels every live job and waits for their
// goroutines until ctx expires
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	active := len(m.registry.all())
	m.logger.Info().Int("active_jobs", active).Msg("Stopping job manager")
	m.baseCancel()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.logger.Info().Msg("Job manager stopped")
		return nil
	case <-ctx.Done():
		remaining := m.registry.ids()
		m.logger.Warn().Int("remaining", len(remaining)).Msg("Job manager shutdown timed out")
		return fmt.Errorf("shutdown timed out with %d job(s) still running: %w", len(remaining), ctx.Err())
	}
}
