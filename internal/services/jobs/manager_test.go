package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/downloader"
	"github.com/ternarybob/snapload/internal/services/status"
	"github.com/ternarybob/snapload/internal/storage/badger"
)

// fakeRunner moves a job to running and parks it until cancelled or released
type fakeRunner struct {
	jobs    interfaces.JobStorage
	started chan string
	release chan struct{}

	mu      sync.Mutex
	active  int
	maxSeen int
}

func (f *fakeRunner) Run(ctx context.Context, job *models.Job) downloader.Outcome {
	store := context.WithoutCancel(ctx)
	if _, err := f.jobs.Transition(store, job.ID, models.Transition{To: models.JobStatusRunning}); err != nil {
		return downloader.Outcome{Err: err}
	}

	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- job.ID

	t := models.Transition{To: models.JobStatusFailed, ErrorSummary: "released"}
	select {
	case <-ctx.Done():
		t = models.Transition{To: models.JobStatusCancelled}
	case <-f.release:
	}
	updated, err := f.jobs.Transition(store, job.ID, t)
	return downloader.Outcome{Job: updated, Err: err}
}

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, *fakeRunner) {
	t.Helper()
	root := t.TempDir()
	logger := arbor.NewLogger()

	sm, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(root, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	locator := artifacts.NewLocator(common.PathsConfig{DataDir: root, Downloads: "downloads", Logs: "logs", Temp: "tmp"})
	require.NoError(t, locator.EnsureRoots())

	runner := &fakeRunner{jobs: sm.JobStorage(), started: make(chan string, 10), release: make(chan struct{})}
	resolver := status.NewService(sm.JobStorage(), locator, logger)
	manager := NewManager(sm.JobStorage(), resolver, runner, locator, maxConcurrent, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return manager, runner
}

func waitStarted(t *testing.T, runner *fakeRunner) string {
	t.Helper()
	select {
	case id := <-runner.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
		return ""
	}
}

func eventuallyStatus(t *testing.T, m *Manager, id string, want models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := m.Get(context.Background(), id)
		return err == nil && snap.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreate_ReturnsFreshQueuedJob(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/a", Kind: models.JobKindAudio})
	require.NoError(t, err)
	assert.True(t, common.IsJobID(id))

	snap, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, snap.Status)
	assert.FileExists(t, snap.LogReference)

	other, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/a", Kind: models.JobKindAudio})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestCreate_Validation(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{SourceReference: "   "})
	assert.True(t, errors.Is(err, common.ErrValidation))

	_, err = m.Create(ctx, CreateRequest{SourceReference: "https://example.com/a", Kind: "podcast"})
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestCancel_RunningJob(t *testing.T) {
	m, runner := newTestManager(t, 0)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, id, waitStarted(t, runner))
	assert.Equal(t, []string{id}, m.ActiveJobIDs())

	require.NoError(t, m.Cancel(ctx, id))
	assert.True(t, errors.Is(m.Cancel(ctx, id), common.ErrInvalidState), "second cancel")

	eventuallyStatus(t, m, id, models.JobStatusCancelled)
	require.Eventually(t, func() bool { return len(m.ActiveJobIDs()) == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, errors.Is(m.Cancel(ctx, id), common.ErrInvalidState), "cancel after terminal")
}

func TestCancel_UnknownJob(t *testing.T) {
	m, _ := newTestManager(t, 0)
	err := m.Cancel(context.Background(), common.NewJobID())
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestAdmissionLimit_QueuedJobCancelledDirectly(t *testing.T) {
	m, runner := newTestManager(t, 1)
	ctx := context.Background()

	first, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/1"})
	require.NoError(t, err)
	assert.Equal(t, first, waitStarted(t, runner))

	second, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/2"})
	require.NoError(t, err)

	// The only slot is taken, so the second job stays queued
	time.Sleep(50 * time.Millisecond)
	snap, err := m.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, snap.Status)

	require.NoError(t, m.Cancel(ctx, second))
	snap, err = m.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)

	close(runner.release)
	eventuallyStatus(t, m, first, models.JobStatusFailed)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.maxSeen)
}

func TestShutdown_CancelsLiveJobs(t *testing.T) {
	m, runner := newTestManager(t, 0)
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{SourceReference: "https://example.com/a"})
	require.NoError(t, err)
	waitStarted(t, runner)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	snap, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
	assert.Empty(t, m.ActiveJobIDs())

	_, err = m.Create(ctx, CreateRequest{SourceReference: "https://example.com/b"})
	assert.True(t, errors.Is(err, common.ErrInvalidState))
}
