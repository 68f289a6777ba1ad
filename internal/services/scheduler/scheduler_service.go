package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/cleanup"
)

const (
	GroupMain = "main"
	GroupTemp = "temp"
)

// Engine is the part of the retention engine the scheduler drives
type Engine interface {
	Run(ctx context.Context, req cleanup.RunRequest) (*models.CleanupRunRecord, error)
	PruneRuns(ctx context.Context) (int, error)
	LatestRun(ctx context.Context, trigger string) (*models.CleanupRunRecord, error)
}

// groupEntry is one scheduled cleanup group
type groupEntry struct {
	name      string
	schedule  string
	targets   []models.CleanupTarget
	sched     cron.Schedule
	cronID    cron.EntryID
	lastRun   *time.Time
	lastError string
	isRunning bool
}

// Service runs the retention engine on its cron groups and serves manual triggers
type Service struct {
	engine Engine
	config common.CleanupConfig
	cron   *cron.Cron
	logger arbor.ILogger

	runMu   sync.Mutex // serializes every engine run, scheduled or manual
	groupMu sync.Mutex // protects groups
	groups  map[string]*groupEntry
	order   []string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewService creates a new cleanup scheduler. Both cron expressions are
// parsed up front so a bad schedule fails at startup.
func NewService(engine Engine, config common.CleanupConfig, logger arbor.ILogger) (*Service, error) {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		engine: engine,
		config: config,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		logger:     logger,
		groups:     make(map[string]*groupEntry),
		baseCtx:    ctx,
		baseCancel: cancel,
	}

	main := []models.CleanupTarget{
		models.CleanupTargetDownloads,
		models.CleanupTargetLogs,
		models.CleanupTargetMetadata,
		models.CleanupTargetDatabase,
	}
	if err := s.addGroup(GroupMain, config.Cron, main); err != nil {
		cancel()
		return nil, err
	}
	if err := s.addGroup(GroupTemp, config.TempCron, []models.CleanupTarget{models.CleanupTargetTemp}); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) addGroup(name, schedule string, targets []models.CleanupTarget) error {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid %s cleanup schedule %q: %w", name, schedule, err)
	}
	s.groups[name] = &groupEntry{name: name, schedule: schedule, targets: targets, sched: sched}
	s.order = append(s.order, name)
	return nil
}

// Start registers the groups with cron and launches a catch-up run for any
// group that missed more than two periods while the process was down
func (s *Service) Start() error {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	if s.started {
		return fmt.Errorf("cleanup scheduler already running")
	}

	if !s.config.Enabled {
		s.logger.Info().Msg("Cleanup schedule disabled")
		return nil
	}

	for _, name := range s.order {
		g := s.groups[name]
		groupName := name
		id, err := s.cron.AddFunc(g.schedule, func() {
			s.runGroup(groupName)
		})
		if err != nil {
			return fmt.Errorf("failed to add %s cleanup to cron: %w", name, err)
		}
		g.cronID = id

		s.logger.Info().
			Str("group", name).
			Str("schedule", g.schedule).
			Bool("dry_run", s.config.DryRun).
			Msg("Cleanup group scheduled")
	}

	s.cron.Start()
	s.started = true

	for _, name := range s.order {
		if s.overdue(s.groups[name]) {
			groupName := name
			s.wg.Add(1)
			common.SafeGo(s.logger, "cleanup-catchup:"+name, func() {
				defer s.wg.Done()
				s.logger.Info().Str("group", groupName).Msg("Cleanup group overdue, running catch-up")
				s.runGroup(groupName)
			}, nil)
		}
	}

	s.logger.Info().Msg("Cleanup scheduler started")
	return nil
}

// overdue reports whether the last completed run of g is older than two periods.
// A group that never ran is not overdue. Caller holds groupMu.
func (s *Service) overdue(g *groupEntry) bool {
	latest, err := s.engine.LatestRun(s.baseCtx, triggerFor(g.name))
	if err != nil {
		s.logger.Warn().Err(err).Str("group", g.name).Msg("Failed to read last cleanup run")
		return false
	}
	if latest == nil {
		return false
	}

	finished := latest.FinishedAt
	g.lastRun = &finished

	now := time.Now()
	first := g.sched.Next(now)
	period := g.sched.Next(first).Sub(first)
	return now.Sub(finished) > 2*period
}

func triggerFor(group string) string {
	return "schedule:" + group
}

// runGroup executes one scheduled run of a group
func (s *Service) runGroup(name string) {
	s.groupMu.Lock()
	g, ok := s.groups[name]
	if !ok {
		s.groupMu.Unlock()
		return
	}
	g.isRunning = true
	targets := append([]models.CleanupTarget(nil), g.targets...)
	s.groupMu.Unlock()

	_, err := s.execute(s.baseCtx, cleanup.RunRequest{
		Targets: targets,
		DryRun:  s.config.DryRun,
		Trigger: triggerFor(name),
	})

	completed := time.Now()
	s.groupMu.Lock()
	g.isRunning = false
	g.lastRun = &completed
	g.lastError = ""
	if err != nil {
		g.lastError = err.Error()
	}
	s.groupMu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("group", name).Msg("Scheduled cleanup finished with errors")
	}
}

// execute runs the engine under runMu and prunes old run records afterwards
func (s *Service) execute(ctx context.Context, req cleanup.RunRequest) (*models.CleanupRunRecord, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	run, err := s.engine.Run(ctx, req)

	pruned, pruneErr := s.engine.PruneRuns(context.WithoutCancel(ctx))
	if pruneErr != nil {
		s.logger.Warn().Err(pruneErr).Msg("Failed to prune cleanup run records")
	} else if pruned > 0 {
		s.logger.Debug().Int("pruned", pruned).Msg("Old cleanup run records pruned")
	}

	return run, err
}

// Trigger runs the engine now. It waits for any run already in progress.
// The run stops early if ctx is cancelled or the scheduler is stopped.
func (s *Service) Trigger(ctx context.Context, targets []models.CleanupTarget, dryRun bool) (*models.CleanupRunRecord, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.logger.Info().Int("targets", len(targets)).Bool("dry_run", dryRun).Msg("Manual cleanup triggered")

	return s.execute(runCtx, cleanup.RunRequest{Targets: targets, DryRun: dryRun, Trigger: "manual"})
}

// Schedule describes both cleanup groups
func (s *Service) Schedule() []models.ScheduleInfo {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	infos := make([]models.ScheduleInfo, 0, len(s.order))
	for _, name := range s.order {
		g := s.groups[name]
		info := models.ScheduleInfo{
			Name:      g.name,
			Schedule:  g.schedule,
			Targets:   append([]models.CleanupTarget(nil), g.targets...),
			Enabled:   s.started,
			LastError: g.lastError,
			IsRunning: g.isRunning,
		}
		if g.lastRun != nil {
			last := *g.lastRun
			info.LastRun = &last
		}
		if s.started {
			if next := s.cron.Entry(g.cronID).Next; !next.IsZero() {
				info.NextRun = &next
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Stop halts the cron loop and lets a run in progress finish. Only when ctx
// expires first is the run interrupted.
func (s *Service) Stop(ctx context.Context) error {
	s.groupMu.Lock()
	started := s.started
	s.started = false
	s.groupMu.Unlock()

	if !started {
		s.baseCancel()
		return nil
	}

	cronDone := s.cron.Stop()
	catchUpDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(catchUpDone)
	}()

	for _, done := range []<-chan struct{}{cronDone.Done(), catchUpDone} {
		select {
		case <-done:
		case <-ctx.Done():
			s.baseCancel()
			s.logger.Warn().Msg("Cleanup scheduler stop timed out, interrupting run")
			return fmt.Errorf("cleanup scheduler stop: %w", ctx.Err())
		}
	}

	s.baseCancel()
	s.logger.Info().Msg("Cleanup scheduler stopped")
	return nil
}

// cronLogger routes robfig/cron's logging into arbor
type cronLogger struct {
	logger arbor.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Str("details", fmt.Sprint(keysAndValues...)).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Str("details", fmt.Sprint(keysAndValues...)).Msg("cron: " + msg)
}
