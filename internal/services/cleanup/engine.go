package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/catalog"
)

// ActiveJobSource reports the ids holding a live in-memory handle
type ActiveJobSource interface {
	ActiveJobIDs() []string
}

// RunRequest selects what a retention run touches
type RunRequest struct {
	Targets []models.CleanupTarget
	DryRun  bool
	Trigger string
}

// Engine deletes aged artifacts that no active job links to. It only ever
// removes job records that are already terminal.
type Engine struct {
	storage interfaces.StorageManager
	index   interfaces.DownloadIndexService
	locator *artifacts.Locator
	active  ActiveJobSource
	config  common.CleanupConfig
	logger  arbor.ILogger
	now     func() time.Time
}

// NewEngine creates a new retention engine. active may be nil.
func NewEngine(
	storage interfaces.StorageManager,
	index interfaces.DownloadIndexService,
	locator *artifacts.Locator,
	active ActiveJobSource,
	config common.CleanupConfig,
	logger arbor.ILogger,
) *Engine {
	return &Engine{
		storage: storage,
		index:   index,
		locator: locator,
		active:  active,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// activity is the set of artifacts that must survive a run
type activity struct {
	ids   map[string]bool
	paths map[string]bool
}

func (a activity) isActiveID(id string) bool     { return id != "" && a.ids[id] }
func (a activity) isActivePath(path string) bool { return a.paths[path] }

func (e *Engine) snapshotActivity(ctx context.Context) (activity, error) {
	act := activity{ids: make(map[string]bool), paths: make(map[string]bool)}

	if e.active != nil {
		for _, id := range e.active.ActiveJobIDs() {
			act.ids[id] = true
		}
	}

	jobs, err := e.storage.JobStorage().ListActiveJobs(ctx)
	if err != nil {
		return act, fmt.Errorf("failed to list active jobs: %w", err)
	}
	for _, j := range jobs {
		act.ids[j.ID] = true
	}
	for id := range act.ids {
		act.paths[e.locator.LogPath(id)] = true
		act.paths[e.locator.TempDir(id)] = true
		for _, f := range resultPaths(ctx, e.storage.JobStorage(), id) {
			act.paths[f] = true
		}
	}
	return act, nil
}

func resultPaths(ctx context.Context, jobs interfaces.JobStorage, id string) []string {
	job, err := jobs.GetJob(ctx, id)
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(job.ResultFiles))
	for _, f := range job.ResultFiles {
		paths = append(paths, f.Path)
	}
	return paths
}

// Run sweeps the requested targets. The returned record is always persisted;
// per-item failures are collected and reported as common.ErrPartialCleanup.
// Cancelling ctx stops the sweep at the next item.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*models.CleanupRunRecord, error) {
	targets, err := models.ExpandCleanupTargets(req.Targets)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, common.ErrValidation)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	started := e.now()
	run := &models.CleanupRunRecord{
		ID:        common.NewRunID(),
		StartedAt: started,
		Trigger:   trigger,
		Targets:   targets,
		DryRun:    req.DryRun,
		Errors:    []string{},
		PerTarget: make(map[models.CleanupTarget]models.TargetStats, len(targets)),
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Bool("dry_run", req.DryRun).
		Int("targets", len(targets)).
		Msg("Cleanup run started")

	act, err := e.snapshotActivity(ctx)
	if err != nil {
		// Without the active set nothing can be deleted safely
		run.Errors = append(run.Errors, err.Error())
		return e.finish(ctx, run)
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			run.Interrupted = true
			break
		}

		s := &sweep{engine: e, run: run, target: target, act: act, dryRun: req.DryRun, now: started}
		targetStart := time.Now()

		switch target {
		case models.CleanupTargetTemp:
			s.temp(ctx)
		case models.CleanupTargetDownloads:
			s.downloads(ctx)
		case models.CleanupTargetLogs:
			s.logs(ctx)
		case models.CleanupTargetMetadata:
			s.metadata(ctx)
		case models.CleanupTargetDatabase:
			s.database(ctx)
		}

		s.stats.Duration = time.Since(targetStart).Seconds()
		run.PerTarget[target] = s.stats
		run.ItemsScanned += s.stats.Scanned
		run.ItemsDeleted += s.stats.Deleted
		run.BytesFreed += s.stats.BytesFreed

		e.logger.Debug().
			Str("target", string(target)).
			Int("scanned", s.stats.Scanned).
			Int("selected", s.stats.Selected).
			Int("deleted", s.stats.Deleted).
			Int("skipped_active", s.stats.Skipped).
			Msg("Cleanup target swept")

		if s.interrupted {
			run.Interrupted = true
			break
		}
	}

	return e.finish(ctx, run)
}

func (e *Engine) finish(ctx context.Context, run *models.CleanupRunRecord) (*models.CleanupRunRecord, error) {
	run.FinishedAt = e.now()

	if err := e.storage.CleanupRunStorage().SaveRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist cleanup run")
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Int("scanned", run.ItemsScanned).
		Int("deleted", run.ItemsDeleted).
		Str("freed", humanize.Bytes(uint64(run.BytesFreed))).
		Int("errors", len(run.Errors)).
		Bool("interrupted", run.Interrupted).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Cleanup run finished")

	if len(run.Errors) > 0 {
		return run, fmt.Errorf("%d cleanup error(s): %w", len(run.Errors), common.ErrPartialCleanup)
	}
	return run, nil
}

// PruneRuns deletes run records older than the configured retention
func (e *Engine) PruneRuns(ctx context.Context) (int, error) {
	days := e.config.RunLogRetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	return e.storage.CleanupRunStorage().DeleteRunsBefore(ctx, cutoff)
}

// ListRuns returns the most recent run records, newest first
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]*models.CleanupRunRecord, error) {
	return e.storage.CleanupRunStorage().ListRuns(ctx, limit)
}

// LatestRun returns the most recent run with trigger, or nil
func (e *Engine) LatestRun(ctx context.Context, trigger string) (*models.CleanupRunRecord, error) {
	return e.storage.CleanupRunStorage().LatestRun(ctx, trigger)
}

// Config returns the active retention policy
func (e *Engine) Config() models.RetentionConfig {
	return models.RetentionConfig{
		Enabled:             e.config.Enabled,
		RetentionHours:      e.config.RetentionHours,
		TempRetentionHours:  e.config.TempRetentionHours,
		Cron:                e.config.Cron,
		TempCron:            e.config.TempCron,
		DryRun:              e.config.DryRun,
		RunLogRetentionDays: e.config.RunLogRetentionDays,
	}
}

func (e *Engine) threshold(target models.CleanupTarget) time.Duration {
	hours := e.config.RetentionHours
	if target == models.CleanupTargetTemp {
		hours = e.config.TempRetentionHours
	}
	if hours < 0 {
		hours = 0
	}
	return time.Duration(hours * float64(time.Hour))
}

// ----------------------------------------------------------------------------
// Per-target sweeps
// ----------------------------------------------------------------------------

type sweep struct {
	engine      *Engine
	run         *models.CleanupRunRecord
	target      models.CleanupTarget
	act         activity
	dryRun      bool
	now         time.Time
	stats       models.TargetStats
	interrupted bool
}

// stop reports whether ctx ended, latching the interrupted flag
func (s *sweep) stop(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.interrupted = true
	}
	return s.interrupted
}

func (s *sweep) fail(item string, err error) {
	s.stats.Errors++
	s.run.Errors = append(s.run.Errors, fmt.Sprintf("%s: %s: %v", s.target, item, err))
}

func (s *sweep) aged(t time.Time) bool {
	return s.now.Sub(t) > s.engine.threshold(s.target)
}

// removePath deletes one selected filesystem item and books the result
func (s *sweep) removePath(path string, size int64, recursive bool) {
	s.stats.Selected++
	if s.dryRun {
		s.stats.BytesFreed += size
		return
	}

	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.fail(path, err)
		return
	}
	s.stats.Deleted++
	s.stats.BytesFreed += size
}

func (s *sweep) temp(ctx context.Context) {
	root := s.engine.locator.TempRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail(root, err)
		}
		return
	}

	for _, entry := range entries {
		if s.stop(ctx) {
			return
		}
		s.stats.Scanned++

		path := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !s.aged(info.ModTime()) {
			continue
		}
		if s.act.isActiveID(entry.Name()) || s.act.isActivePath(path) {
			s.stats.Skipped++
			continue
		}
		s.removePath(path, artifacts.PathSize(path), true)
	}
}

func (s *sweep) downloads(ctx context.Context) {
	root := s.engine.locator.DownloadsRoot()

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		s.fail(root, err)
	}

	for _, path := range files {
		if s.stop(ctx) {
			return
		}
		s.stats.Scanned++

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !s.aged(info.ModTime()) {
			continue
		}
		if s.act.isActivePath(path) {
			s.stats.Skipped++
			continue
		}
		s.removePath(path, info.Size(), false)
	}

	if !s.dryRun {
		pruneEmptyDirs(root)
	}
}

// pruneEmptyDirs removes empty directories below root, deepest first
func pruneEmptyDirs(root string) {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		// Fails harmlessly on non-empty dirs
		os.Remove(dir)
	}
}

func (s *sweep) logs(ctx context.Context) {
	root := s.engine.locator.LogsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail(root, err)
		}
		return
	}

	for _, entry := range entries {
		if s.stop(ctx) {
			return
		}
		id := artifacts.JobIDFromLog(entry.Name())
		if id == "" || !entry.Type().IsRegular() {
			continue
		}
		s.stats.Scanned++

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !s.aged(info.ModTime()) {
			continue
		}
		if s.act.isActiveID(id) {
			s.stats.Skipped++
			continue
		}
		s.removePath(filepath.Join(root, entry.Name()), info.Size(), false)
	}
}

func (s *sweep) metadata(ctx context.Context) {
	store := s.engine.storage.JobStorage()
	jobs, err := store.ListJobs(ctx, nil)
	if err != nil {
		s.fail("jobs", err)
		return
	}

	for _, job := range jobs {
		if s.stop(ctx) {
			return
		}
		s.stats.Scanned++

		if !s.aged(job.CreatedAt) {
			continue
		}
		if !job.Status.IsTerminal() || s.act.isActiveID(job.ID) {
			s.stats.Skipped++
			continue
		}

		s.stats.Selected++
		if s.dryRun {
			continue
		}
		if err := store.DeleteTerminalJob(context.WithoutCancel(ctx), job.ID); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			s.fail(job.ID, err)
			continue
		}
		s.stats.Deleted++
	}
}

func (s *sweep) database(ctx context.Context) {
	index := s.engine.index
	if index == nil {
		return
	}

	ready, err := index.ListReady(ctx)
	if err != nil {
		s.fail("index", err)
		return
	}

	marked := make(map[string]bool)
	for _, entry := range ready {
		if s.stop(ctx) {
			return
		}
		s.stats.Scanned++

		if catalog.FilesExist(entry.Files) {
			continue
		}
		s.stats.Marked++
		marked[entry.Key] = true
		if s.dryRun {
			continue
		}
		if err := index.MarkFailed(context.WithoutCancel(ctx), entry, catalog.MissingFilesError); err != nil {
			s.fail(entry.Key, err)
		}
	}

	failed, err := index.ListFailedOlderThan(ctx, s.now.Add(-s.engine.threshold(s.target)))
	if err != nil {
		s.fail("index", err)
		return
	}

	for _, entry := range failed {
		if s.stop(ctx) {
			return
		}
		if marked[entry.Key] || !s.aged(entry.CreatedAt) {
			continue
		}
		s.stats.Scanned++

		if s.act.isActiveID(entry.JobID) {
			s.stats.Skipped++
			continue
		}

		s.stats.Selected++
		if s.dryRun {
			continue
		}
		if err := index.Delete(context.WithoutCancel(ctx), entry.Key); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			s.fail(entry.Key, err)
			continue
		}
		s.stats.Deleted++
	}
}
