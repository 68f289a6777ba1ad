package downloader

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/fetcher"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/catalog"
	"github.com/ternarybob/snapload/internal/storage/badger"
)

// toolPreamble finds the -o template argument and cds into its directory
const toolPreamble = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
dir=$(dirname "$out")
`

type testEnv struct {
	storage interfaces.StorageManager
	locator *artifacts.Locator
	index   *catalog.Service
	orch    *Orchestrator
}

func newTestEnv(t *testing.T, toolBody string, cfg common.DownloadsConfig) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake fetch tool is a shell script")
	}

	root := t.TempDir()
	logger := arbor.NewLogger()

	sm, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(root, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	locator := artifacts.NewLocator(common.PathsConfig{DataDir: root, Downloads: "downloads", Logs: "logs", Temp: "tmp"})
	require.NoError(t, locator.EnsureRoots())

	tool := filepath.Join(root, "fake-ytdlp.sh")
	require.NoError(t, os.WriteFile(tool, []byte(toolPreamble+toolBody), 0755))
	cfg.YtDlpPath = tool
	if cfg.GracePeriod == "" {
		cfg.GracePeriod = "2s"
	}
	if cfg.MaxDuration == "" {
		cfg.MaxDuration = "0"
	}

	index := catalog.NewService(sm.DownloadIndexStorage(), logger)
	orch := NewOrchestrator(sm.JobStorage(), index, locator, fetcher.NewBuilder(cfg), cfg, logger)

	return &testEnv{storage: sm, locator: locator, index: index, orch: orch}
}

func (e *testEnv) createJob(t *testing.T, kind models.JobKind) *models.Job {
	t.Helper()
	id := common.NewJobID()
	job := &models.Job{
		ID:              id,
		SourceReference: "https://example.com/a",
		Kind:            kind,
		Status:          models.JobStatusQueued,
		CreatedAt:       time.Now(),
		LogReference:    e.locator.LogPath(id),
	}
	require.NoError(t, e.storage.JobStorage().CreateJob(context.Background(), job))
	return job
}

func TestRun_SuccessPlacesFilesWithSizes(t *testing.T) {
	env := newTestEnv(t, `
printf 'aaaa' > "$dir/One Song.mp3"
printf 'bbbbbbbb' > "$dir/two.mp3"
printf 'junk' > "$dir/cover.jpg"
echo "[download] done"
exit 0
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Job)
	assert.Equal(t, models.JobStatusSuccess, outcome.Job.Status)
	require.Len(t, outcome.Job.ResultFiles, 2)

	sizes := map[string]int64{}
	for _, f := range outcome.Job.ResultFiles {
		assert.True(t, artifacts.IsWithin(env.locator.OutputDir(models.JobKindAudio, "", ""), f.Path))
		info, err := os.Stat(f.Path)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), f.SizeBytes)
		sizes[f.Name] = f.SizeBytes
	}
	assert.Equal(t, map[string]int64{"One Song.mp3": 4, "two.mp3": 8}, sizes)

	stored, err := env.storage.JobStorage().GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	assert.NoDirExists(t, env.locator.TempDir(job.ID))

	logData, err := os.ReadFile(job.LogReference)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "[download] done")

	avail, err := env.index.Lookup(context.Background(), job.SourceReference, job.Kind, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityReady, avail.Status)
}

func TestRun_PlacedFilesGetFreshMtime(t *testing.T) {
	env := newTestEnv(t, `
printf 'aaaa' > "$dir/old.mp3"
touch -t 200001010000 "$dir/old.mp3"
exit 0
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Job.ResultFiles, 1)

	info, err := os.Stat(outcome.Job.ResultFiles[0].Path)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)
}

func TestRun_SecondJobGetsUniqueNames(t *testing.T) {
	env := newTestEnv(t, `
printf 'aaaa' > "$dir/same.mp3"
exit 0
`, common.DownloadsConfig{})

	first := env.orch.Run(context.Background(), env.createJob(t, models.JobKindAudio))
	second := env.orch.Run(context.Background(), env.createJob(t, models.JobKindAudio))
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)

	assert.Equal(t, "same.mp3", first.Job.ResultFiles[0].Name)
	assert.Equal(t, "same-1.mp3", second.Job.ResultFiles[0].Name)
}

func TestRun_NonZeroExitFails(t *testing.T) {
	env := newTestEnv(t, `
echo "[youtube] Extracting URL"
echo "ERROR: [youtube] abc: Video unavailable" >&2
echo "trailing noise"
exit 1
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	require.NoError(t, outcome.Err)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
	assert.Equal(t, "ERROR: [youtube] abc: Video unavailable", outcome.Job.ErrorSummary)
	assert.Empty(t, outcome.Job.ResultFiles)
	assert.NoDirExists(t, env.locator.TempDir(job.ID))

	entry, err := env.storage.DownloadIndexStorage().GetByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IndexStatusFailed, entry.Status)
}

func TestRun_LogKeepsRawOutputPastOversizedLine(t *testing.T) {
	env := newTestEnv(t, `
printf 'a\r\n\nb\n'
head -c 2000000 /dev/zero | tr '\0' 'x' >&2
printf '\nERROR: real failure\n' >&2
exit 1
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	require.NoError(t, outcome.Err)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
	assert.Equal(t, "ERROR: real failure", outcome.Job.ErrorSummary)

	logData, err := os.ReadFile(job.LogReference)
	require.NoError(t, err)
	log := string(logData)
	assert.Contains(t, log, "a\r\n\nb\n")
	assert.Contains(t, log, strings.Repeat("x", 2000000))
	assert.Contains(t, log, "ERROR: real failure")
}

func TestRun_ZeroExitWithoutMediaFails(t *testing.T) {
	env := newTestEnv(t, `
printf 'x' > "$dir/readme.txt"
exit 0
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindVideo)

	outcome := env.orch.Run(context.Background(), job)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
	assert.Equal(t, NoOutputSummary, outcome.Job.ErrorSummary)
}

func TestRun_MissingToolFails(t *testing.T) {
	env := newTestEnv(t, "exit 0\n", common.DownloadsConfig{})
	env.orch.builder = fetcher.NewBuilder(common.DownloadsConfig{YtDlpPath: filepath.Join(t.TempDir(), "missing-tool")})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
	assert.True(t, strings.HasPrefix(outcome.Job.ErrorSummary, "failed to start yt-dlp"))
}

func TestRun_CancelMidRun(t *testing.T) {
	env := newTestEnv(t, `
printf 'partial' > "$dir/partial.mp3"
echo "started"
sleep 30
`, common.DownloadsConfig{GracePeriod: "2s"})
	job := env.createJob(t, models.JobKindAudio)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- env.orch.Run(ctx, job) }()

	waitForLog(t, job.LogReference, "started")
	cancel()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop within the grace period")
	}

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.JobStatusCancelled, outcome.Job.Status)
	assert.NotNil(t, outcome.Job.CompletedAt)

	size, count, err := artifacts.DirStats(env.locator.DownloadsRoot())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, size)
	assert.NoDirExists(t, env.locator.TempDir(job.ID))
}

func TestRun_KillsToolIgnoringTerm(t *testing.T) {
	env := newTestEnv(t, `
trap '' TERM
echo "started"
sleep 30
`, common.DownloadsConfig{GracePeriod: "200ms"})
	job := env.createJob(t, models.JobKindAudio)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- env.orch.Run(ctx, job) }()

	waitForLog(t, job.LogReference, "started")
	start := time.Now()
	cancel()

	select {
	case outcome := <-done:
		assert.Equal(t, models.JobStatusCancelled, outcome.Job.Status)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("tool was not killed after the grace period")
	}
}

func TestRun_TimeoutFails(t *testing.T) {
	env := newTestEnv(t, `
sleep 30
`, common.DownloadsConfig{MaxDuration: "300ms", GracePeriod: "1s"})
	job := env.createJob(t, models.JobKindAudio)

	outcome := env.orch.Run(context.Background(), job)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
	assert.Equal(t, "timed out after 300ms", outcome.Job.ErrorSummary)
}

func TestRun_AlreadyCancelledContextSkipsTool(t *testing.T) {
	env := newTestEnv(t, `
printf 'aaaa' > "$dir/a.mp3"
exit 0
`, common.DownloadsConfig{})
	job := env.createJob(t, models.JobKindAudio)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := env.orch.Run(ctx, job)
	assert.Equal(t, models.JobStatusCancelled, outcome.Job.Status)
	assert.Nil(t, outcome.Job.StartedAt)
}

func waitForLog(t *testing.T, path, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), want)
	}, 5*time.Second, 20*time.Millisecond)
}
