package scheduler

import (
	"context"
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
	"github.com/ternarybob/snapload/internal/services/catalog"
	"github.com/ternarybob/snapload/internal/services/cleanup"
	"github.com/ternarybob/snapload/internal/storage/badger"
)

func newTestScheduler(t *testing.T, cfg common.CleanupConfig) (*Service, interfaces.StorageManager) {
	t.Helper()
	root := t.TempDir()
	logger := arbor.NewLogger()

	sm, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(root, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	locator := artifacts.NewLocator(common.PathsConfig{DataDir: root, Downloads: "downloads", Logs: "logs", Temp: "tmp"})
	require.NoError(t, locator.EnsureRoots())

	if cfg.Cron == "" {
		cfg.Cron = "0 3 * * *"
	}
	if cfg.TempCron == "" {
		cfg.TempCron = "0 */6 * * *"
	}
	if cfg.RunLogRetentionDays == 0 {
		cfg.RunLogRetentionDays = 30
	}

	index := catalog.NewService(sm.DownloadIndexStorage(), logger)
	engine := cleanup.NewEngine(sm, index, locator, nil, cfg, logger)

	s, err := NewService(engine, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, sm
}

func TestNewService_RejectsBadSchedule(t *testing.T) {
	_, err := NewService(nil, common.CleanupConfig{Cron: "every day", TempCron: "0 */6 * * *"}, arbor.NewLogger())
	assert.Error(t, err)
}

func TestSchedule_ListsBothGroups(t *testing.T) {
	s, _ := newTestScheduler(t, common.CleanupConfig{Enabled: true})
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start")

	infos := s.Schedule()
	require.Len(t, infos, 2)

	assert.Equal(t, GroupMain, infos[0].Name)
	assert.Equal(t, "0 3 * * *", infos[0].Schedule)
	assert.NotContains(t, infos[0].Targets, models.CleanupTargetTemp)
	assert.True(t, infos[0].Enabled)
	require.NotNil(t, infos[0].NextRun)
	assert.True(t, infos[0].NextRun.After(time.Now()))

	assert.Equal(t, GroupTemp, infos[1].Name)
	assert.Equal(t, []models.CleanupTarget{models.CleanupTargetTemp}, infos[1].Targets)
}

func TestSchedule_DisabledHasNoNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, common.CleanupConfig{Enabled: false})
	require.NoError(t, s.Start())

	for _, info := range s.Schedule() {
		assert.False(t, info.Enabled)
		assert.Nil(t, info.NextRun)
	}
}

func TestTrigger_PersistsManualRun(t *testing.T) {
	s, sm := newTestScheduler(t, common.CleanupConfig{})
	ctx := context.Background()

	run, err := s.Trigger(ctx, []models.CleanupTarget{models.CleanupTargetTemp}, true)
	require.NoError(t, err)
	assert.Equal(t, "manual", run.Trigger)
	assert.True(t, run.DryRun)

	latest, err := sm.CleanupRunStorage().LatestRun(ctx, "manual")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)
}

func TestTrigger_PrunesOldRunRecords(t *testing.T) {
	s, sm := newTestScheduler(t, common.CleanupConfig{RunLogRetentionDays: 7})
	ctx := context.Background()

	ancient := time.Now().AddDate(0, 0, -10)
	require.NoError(t, sm.CleanupRunStorage().SaveRun(ctx, &models.CleanupRunRecord{
		ID: common.NewRunID(), StartedAt: ancient, FinishedAt: ancient, Trigger: "manual",
	}))

	_, err := s.Trigger(ctx, []models.CleanupTarget{models.CleanupTargetTemp}, false)
	require.NoError(t, err)

	runs, err := sm.CleanupRunStorage().ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStart_RunsCatchUpForOverdueGroup(t *testing.T) {
	s, sm := newTestScheduler(t, common.CleanupConfig{Enabled: true})
	ctx := context.Background()
	runs := sm.CleanupRunStorage()

	// temp runs every 6h, so a 2 day gap is overdue; main ran a minute ago
	stale := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	require.NoError(t, runs.SaveRun(ctx, &models.CleanupRunRecord{ID: common.NewRunID(), StartedAt: stale, FinishedAt: stale, Trigger: "schedule:temp"}))
	require.NoError(t, runs.SaveRun(ctx, &models.CleanupRunRecord{ID: common.NewRunID(), StartedAt: recent, FinishedAt: recent, Trigger: "schedule:main"}))

	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		latest, err := runs.LatestRun(ctx, "schedule:temp")
		return err == nil && latest != nil && latest.StartedAt.After(stale.Add(time.Hour))
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	all, err := runs.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3, "main group was not overdue")
}

// blockingEngine holds every run open for hold and records whether the run
// context was cancelled before it finished
type blockingEngine struct {
	hold        time.Duration
	started     chan struct{}
	interrupted chan bool
}

func (e *blockingEngine) Run(ctx context.Context, req cleanup.RunRequest) (*models.CleanupRunRecord, error) {
	close(e.started)
	select {
	case <-time.After(e.hold):
		e.interrupted <- false
	case <-ctx.Done():
		e.interrupted <- true
	}
	return &models.CleanupRunRecord{Trigger: req.Trigger}, ctx.Err()
}

func (e *blockingEngine) PruneRuns(ctx context.Context) (int, error) { return 0, nil }

func (e *blockingEngine) LatestRun(ctx context.Context, trigger string) (*models.CleanupRunRecord, error) {
	if trigger != "schedule:temp" {
		return nil, nil
	}
	stale := time.Now().Add(-48 * time.Hour)
	return &models.CleanupRunRecord{StartedAt: stale, FinishedAt: stale, Trigger: trigger}, nil
}

func newBlockingScheduler(t *testing.T, hold time.Duration) (*Service, *blockingEngine) {
	t.Helper()
	engine := &blockingEngine{hold: hold, started: make(chan struct{}), interrupted: make(chan bool, 1)}
	s, err := NewService(engine, common.CleanupConfig{
		Enabled:  true,
		Cron:     "0 3 * * *",
		TempCron: "0 */6 * * *",
	}, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("catch-up run did not start")
	}
	return s, engine
}

func TestStop_LetsRunInProgressFinish(t *testing.T) {
	s, engine := newBlockingScheduler(t, 500*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case interrupted := <-engine.interrupted:
		assert.False(t, interrupted)
	default:
		t.Fatal("Stop returned before the run finished")
	}
}

func TestStop_InterruptsRunWhenDeadlineExpires(t *testing.T) {
	s, engine := newBlockingScheduler(t, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	select {
	case interrupted := <-engine.interrupted:
		assert.True(t, interrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not interrupted")
	}
}
