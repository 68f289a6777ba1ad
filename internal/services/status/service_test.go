package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/storage/badger"
)

func newResolver(t *testing.T) (*Service, interfaces.JobStorage, *artifacts.Locator) {
	t.Helper()
	root := t.TempDir()
	logger := arbor.NewLogger()

	sm, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(root, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	locator := artifacts.NewLocator(common.PathsConfig{DataDir: root, Downloads: "downloads", Logs: "logs", Temp: "tmp"})
	require.NoError(t, locator.EnsureRoots())

	return NewService(sm.JobStorage(), locator, logger), sm.JobStorage(), locator
}

func createAt(t *testing.T, jobs interfaces.JobStorage, locator *artifacts.Locator, path ...models.Transition) string {
	t.Helper()
	ctx := context.Background()
	id := common.NewJobID()
	require.NoError(t, jobs.CreateJob(ctx, &models.Job{
		ID: id, SourceReference: "https://example.com/a", Kind: models.JobKindAudio,
		Status: models.JobStatusQueued, CreatedAt: time.Now(), LogReference: locator.LogPath(id),
	}))
	for _, tr := range path {
		_, err := jobs.Transition(ctx, id, tr)
		require.NoError(t, err)
	}
	return id
}

func TestResolve_RecordStates(t *testing.T) {
	resolver, jobs, locator := newResolver(t)
	ctx := context.Background()

	queued := createAt(t, jobs, locator)
	snap, err := resolver.Resolve(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, snap.Status)
	assert.False(t, snap.Inferred)

	failed := createAt(t, jobs, locator,
		models.Transition{To: models.JobStatusRunning},
		models.Transition{To: models.JobStatusFailed, ErrorSummary: "boom"})
	snap, err = resolver.Resolve(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.ErrorSummary)

	cancelled := createAt(t, jobs, locator, models.Transition{To: models.JobStatusCancelled})
	snap, err = resolver.Resolve(ctx, cancelled)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, snap.Status)
}

func TestResolve_SuccessRequiresFiles(t *testing.T) {
	resolver, jobs, locator := newResolver(t)
	ctx := context.Background()

	file := filepath.Join(locator.DownloadsRoot(), "a.mp3")
	require.NoError(t, os.WriteFile(file, []byte("audio"), 0644))

	id := createAt(t, jobs, locator,
		models.Transition{To: models.JobStatusRunning},
		models.Transition{To: models.JobStatusSuccess, ResultFiles: []models.ResultFile{{Name: "a.mp3", Path: file, SizeBytes: 5}}})

	snap, err := resolver.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, snap.Status)
	assert.Len(t, snap.ResultFiles, 1)

	require.NoError(t, os.Remove(file))
	snap, err = resolver.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, snap.Status)
	assert.Equal(t, ArtifactsMissingSummary, snap.ErrorSummary)

	// The stored record is left alone
	stored, err := jobs.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, stored.Status)
}

func TestResolve_NoRecord(t *testing.T) {
	resolver, _, locator := newResolver(t)
	ctx := context.Background()

	id := common.NewJobID()
	_, err := resolver.Resolve(ctx, id)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// An empty log is not evidence of a started process
	require.NoError(t, os.WriteFile(locator.LogPath(id), nil, 0644))
	_, err = resolver.Resolve(ctx, id)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	require.NoError(t, os.WriteFile(locator.LogPath(id), []byte("output\n"), 0644))
	snap, err := resolver.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, snap.Status)
	assert.True(t, snap.Inferred)
}
