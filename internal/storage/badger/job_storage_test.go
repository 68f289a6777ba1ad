package badger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func newQueuedJob(id string, created time.Time) *models.Job {
	return &models.Job{
		ID:              id,
		SourceReference: "https://example.com/" + id,
		Kind:            models.JobKindAudio,
		Status:          models.JobStatusQueued,
		CreatedAt:       created,
		LogReference:    "/logs/" + id + ".log",
	}
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newQueuedJob("job_a", time.Now())
	require.NoError(t, storage.CreateJob(ctx, job))

	got, err := storage.GetJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, job.SourceReference, got.SourceReference)

	// Ids are unique for the lifetime of the store
	err = storage.CreateJob(ctx, job)
	assert.True(t, errors.Is(err, common.ErrInvalidState))

	_, err = storage.GetJob(ctx, "job_missing")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestJobStorage_TransitionFollowsStateMachine(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, newQueuedJob("job_a", time.Now())))

	running, err := storage.Transition(ctx, "job_a", models.Transition{To: models.JobStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	done, err := storage.Transition(ctx, "job_a", models.Transition{
		To:          models.JobStatusSuccess,
		ResultFiles: []models.ResultFile{{Name: "a.mp3", Path: "/d/a.mp3", SizeBytes: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, done.Status)

	// No regression out of a terminal state
	_, err = storage.Transition(ctx, "job_a", models.Transition{To: models.JobStatusRunning})
	assert.True(t, errors.Is(err, common.ErrInvalidState))
	_, err = storage.Transition(ctx, "job_a", models.Transition{To: models.JobStatusCancelled})
	assert.True(t, errors.Is(err, common.ErrInvalidState))

	stored, err := storage.GetJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, stored.Status)
	assert.Len(t, stored.ResultFiles, 1)

	_, err = storage.Transition(ctx, "job_missing", models.Transition{To: models.JobStatusRunning})
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestJobStorage_ConcurrentTerminalTransitionsHaveOneWinner(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, newQueuedJob("job_race", time.Now())))
	_, err := storage.Transition(ctx, "job_race", models.Transition{To: models.JobStatusRunning})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	transitions := []models.Transition{
		{To: models.JobStatusCancelled},
		{To: models.JobStatusFailed, ErrorSummary: "exit 1"},
		{To: models.JobStatusSuccess, ResultFiles: []models.ResultFile{{Name: "a", Path: "/a", SizeBytes: 1}}},
	}
	for _, tr := range transitions {
		wg.Add(1)
		go func(tr models.Transition) {
			defer wg.Done()
			if _, err := storage.Transition(ctx, "job_race", tr); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(tr)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	stored, err := storage.GetJob(ctx, "job_race")
	require.NoError(t, err)
	assert.True(t, stored.Status.IsTerminal())
}

func TestJobStorage_ListActiveAndDeleteTerminal(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, storage.CreateJob(ctx, newQueuedJob("job_q", now.Add(-3*time.Hour))))
	require.NoError(t, storage.CreateJob(ctx, newQueuedJob("job_r", now.Add(-2*time.Hour))))
	require.NoError(t, storage.CreateJob(ctx, newQueuedJob("job_f", now.Add(-1*time.Hour))))

	_, err := storage.Transition(ctx, "job_r", models.Transition{To: models.JobStatusRunning})
	require.NoError(t, err)
	_, err = storage.Transition(ctx, "job_f", models.Transition{To: models.JobStatusCancelled})
	require.NoError(t, err)

	active, err := storage.ListActiveJobs(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, j := range active {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"job_q", "job_r"}, ids)

	old, err := storage.ListJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, old, 3)
	assert.Equal(t, "job_f", old[0].ID, "newest first")

	before, err := storage.ListJobs(ctx, &interfaces.JobListOptions{CreatedBefore: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, before, 2)

	assert.True(t, errors.Is(storage.DeleteTerminalJob(ctx, "job_r"), common.ErrInvalidState))
	require.NoError(t, storage.DeleteTerminalJob(ctx, "job_f"))

	count, err := storage.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
