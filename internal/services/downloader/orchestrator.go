package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/fetcher"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
)

// Outcome is the result of one orchestration. Job is the record as last
// committed and is nil only when the store could not be read at all.
type Outcome struct {
	Job *models.Job
	Err error
}

// Orchestrator executes one job end to end: it spawns the fetch tool in a
// private work dir, streams its output to the job log and commits the
// terminal state.
type Orchestrator struct {
	jobs        interfaces.JobStorage
	index       interfaces.DownloadIndexService
	locator     *artifacts.Locator
	builder     *fetcher.Builder
	config      common.DownloadsConfig
	maxDuration time.Duration
	gracePeriod time.Duration
	logger      arbor.ILogger
}

// NewOrchestrator creates a new download orchestrator. index may be nil.
func NewOrchestrator(
	jobs interfaces.JobStorage,
	index interfaces.DownloadIndexService,
	locator *artifacts.Locator,
	builder *fetcher.Builder,
	config common.DownloadsConfig,
	logger arbor.ILogger,
) *Orchestrator {
	return &Orchestrator{
		jobs:        jobs,
		index:       index,
		locator:     locator,
		builder:     builder,
		config:      config,
		maxDuration: config.MaxDurationValue(),
		gracePeriod: config.GracePeriodValue(),
		logger:      logger,
	}
}

// Run drives job from queued to a terminal state. Cancelling ctx stops the
// tool and records the job as cancelled.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job) Outcome {
	// Record writes must land even after ctx is cancelled
	storeCtx := context.WithoutCancel(ctx)
	jobLogger := o.logger.WithCorrelationId(job.ID)

	if ctx.Err() != nil {
		return o.commit(storeCtx, jobLogger, job, models.Transition{To: models.JobStatusCancelled})
	}

	running, err := o.jobs.Transition(storeCtx, job.ID, models.Transition{To: models.JobStatusRunning})
	if err != nil {
		jobLogger.Warn().Err(err).Str("job_id", job.ID).Msg("Job could not start")
		current, _ := o.jobs.GetJob(storeCtx, job.ID)
		return Outcome{Job: current, Err: err}
	}

	jobLogger.Info().
		Str("job_id", job.ID).
		Str("url", job.SourceReference).
		Str("kind", string(job.Kind)).
		Str("status", string(models.JobStatusRunning)).
		Msg("Job running")

	if o.index != nil {
		if err := o.index.RegisterPending(storeCtx, running); err != nil {
			jobLogger.Warn().Err(err).Msg("Failed to register pending download")
		}
	}

	runCtx := ctx
	if o.maxDuration > 0 {
		var cancel context.CancelFunc
		cause := fmt.Errorf("timed out after %s: %w", o.maxDuration, common.ErrTimeout)
		runCtx, cancel = context.WithTimeoutCause(ctx, o.maxDuration, cause)
		defer cancel()
	}

	workDir := o.locator.TempDir(job.ID)
	// Deferred so it runs after the terminal record is committed
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			jobLogger.Warn().Err(err).Str("path", workDir).Msg("Failed to remove work dir")
		}
	}()

	started := time.Now()
	transition := o.execute(runCtx, running, workDir, jobLogger)
	outcome := o.commit(storeCtx, jobLogger, running, transition)

	if outcome.Job != nil {
		jobLogger.Info().
			Str("job_id", job.ID).
			Str("status", string(outcome.Job.Status)).
			Dur("duration", time.Since(started)).
			Msg("Job finished")
	}
	return outcome
}

// execute runs the tool and returns the terminal transition to commit.
// Files are already placed when a success transition is returned.
func (o *Orchestrator) execute(ctx context.Context, job *models.Job, workDir string, logger arbor.ILogger) models.Transition {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return failedTransition(fmt.Sprintf("failed to create work dir: %v", err))
	}

	logFile, err := os.OpenFile(job.LogReference, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return failedTransition(fmt.Sprintf("failed to open job log: %v", err))
	}
	defer logFile.Close()

	sink := &outputSink{file: logFile, tail: newTailBuffer(o.config.LogTailLines)}

	command := o.builder.Build(fetcher.Request{
		URL:     job.SourceReference,
		Kind:    job.Kind,
		Quality: job.Quality,
		Format:  job.Format,
		OutDir:  workDir,
	})
	sink.note("starting %s %s", command.Path, strings.Join(command.Args, " "))

	result := o.runTool(ctx, command, workDir, sink, logger)

	if result.interrupted || ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, common.ErrTimeout) {
			summary := fmt.Sprintf("timed out after %s", o.maxDuration)
			sink.note("%s", summary)
			logger.Warn().Str("job_id", job.ID).Dur("max_duration", o.maxDuration).Msg("Job timed out")
			return failedTransition(summary)
		}
		sink.note("cancelled")
		return models.Transition{To: models.JobStatusCancelled}
	}

	if result.startErr != nil {
		summary := fmt.Sprintf("failed to start %s: %v", command.Source, result.startErr)
		sink.note("%s", summary)
		logger.Error().Err(fmt.Errorf("%w: %v", common.ErrExternalTool, result.startErr)).Str("path", command.Path).Msg("Fetch tool did not start")
		return failedTransition(summary)
	}

	if result.waitErr != nil {
		sink.note("tool exited: %v", result.waitErr)
		summary := ExtractErrorSummary(sink.tail.Lines())
		logger.Warn().Err(result.waitErr).Str("summary", summary).Msg("Fetch tool failed")
		return failedTransition(summary)
	}

	found, err := artifacts.ListMediaFiles(workDir, job.Kind)
	if err != nil {
		return failedTransition(fmt.Sprintf("failed to list output: %v", err))
	}
	if len(found) == 0 {
		sink.note("tool exited cleanly but produced no %s files", job.Kind)
		return failedTransition(ExtractErrorSummary(sink.tail.Lines()))
	}

	files, err := o.place(job, found)
	if err != nil {
		sink.note("placement failed: %v", err)
		return failedTransition(fmt.Sprintf("failed to place files: %v", err))
	}

	for _, f := range files {
		sink.note("saved %s (%d bytes)", f.Path, f.SizeBytes)
	}
	return models.Transition{To: models.JobStatusSuccess, ResultFiles: files}
}

// commit writes the terminal transition and mirrors it into the download
// index. A transition rejected by the store is discarded, along with any
// files it would have published.
func (o *Orchestrator) commit(ctx context.Context, logger arbor.ILogger, job *models.Job, t models.Transition) Outcome {
	updated, err := o.jobs.Transition(ctx, job.ID, t)
	if err != nil {
		if t.To == models.JobStatusSuccess {
			removePlaced(t.ResultFiles)
		}
		logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("to", string(t.To)).
			Msg("Terminal transition dropped")
		current, _ := o.jobs.GetJob(ctx, job.ID)
		return Outcome{Job: current, Err: err}
	}

	if o.index != nil {
		var indexErr error
		switch updated.Status {
		case models.JobStatusSuccess:
			indexErr = o.index.RegisterSuccess(ctx, updated)
		case models.JobStatusFailed:
			indexErr = o.index.RegisterFailed(ctx, updated, updated.ErrorSummary)
		case models.JobStatusCancelled:
			indexErr = o.index.RegisterFailed(ctx, updated, "cancelled")
		}
		if indexErr != nil {
			logger.Warn().Err(indexErr).Str("job_id", job.ID).Msg("Failed to update download index")
		}
	}

	return Outcome{Job: updated}
}

// ----------------------------------------------------------------------------
// Subprocess
// ----------------------------------------------------------------------------

type toolResult struct {
	startErr    error
	waitErr     error
	interrupted bool
}

func (o *Orchestrator) runTool(ctx context.Context, command fetcher.Command, workDir string, sink *outputSink, logger arbor.ILogger) toolResult {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = workDir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return toolResult{startErr: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return toolResult{startErr: err}
	}

	if err := cmd.Start(); err != nil {
		return toolResult{startErr: err}
	}

	pid := cmd.Process.Pid
	logger.Debug().Int("pid", pid).Str("tool", string(command.Source)).Msg("Fetch tool started")

	var readers sync.WaitGroup
	readers.Add(2)
	go sink.consume(stdout, &readers)
	go sink.consume(stderr, &readers)

	done := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait closes them
		readers.Wait()
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return toolResult{waitErr: err}
	case <-ctx.Done():
	}

	logger.Info().Int("pid", pid).Msg("Stopping fetch tool")
	if err := terminateProcess(cmd); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Msg("Failed to send SIGTERM")
	}

	select {
	case <-done:
	case <-time.After(o.gracePeriod):
		logger.Warn().Int("pid", pid).Dur("grace_period", o.gracePeriod).Msg("Fetch tool still running, killing")
		if err := killProcess(cmd); err != nil {
			logger.Error().Err(err).Int("pid", pid).Msg("Failed to kill fetch tool")
		}
		<-done
	}
	return toolResult{interrupted: true}
}

// maxTailLine caps one tail entry. Longer lines are cut, the log keeps them whole.
const maxTailLine = 4 * 1024

// outputSink fans tool output into the job log and the in-memory tail. The
// log receives the raw bytes, the tail a line view of them.
type outputSink struct {
	mu   sync.Mutex
	file *os.File
	tail *tailBuffer
}

// consume copies r into the log until EOF. Each stream gets its own line
// splitter so stdout and stderr fragments never merge in the tail.
func (s *outputSink) consume(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	lines := &lineSplitter{tail: s.tail, max: maxTailLine}
	io.Copy(io.MultiWriter(logWriter{s}, lines), r)
	lines.Flush()
}

// note writes a service line into the job log without touching the tail
func (s *outputSink) note(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.file, "[snapload %s] %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// logWriter serializes chunks from both streams into the log file
type logWriter struct {
	sink *outputSink
}

func (w logWriter) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	// A failing log must not stall the tool on a full pipe
	w.sink.file.Write(p)
	return len(p), nil
}

// lineSplitter turns a byte stream into tail lines. It splits on \n and on
// bare \r so progress redraws become lines, drops blank lines and truncates
// lines longer than max instead of failing.
type lineSplitter struct {
	tail    *tailBuffer
	max     int
	buf     []byte
	dropped bool
}

func (l *lineSplitter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			l.append(p)
			break
		}
		l.append(p[:i])
		l.emit()
		p = p[i+1:]
	}
	return n, nil
}

// Flush emits a trailing line that had no terminator
func (l *lineSplitter) Flush() {
	l.emit()
}

func (l *lineSplitter) append(p []byte) {
	if room := l.max - len(l.buf); len(p) > room {
		p = p[:room]
		l.dropped = true
	}
	l.buf = append(l.buf, p...)
}

func (l *lineSplitter) emit() {
	line := string(l.buf)
	if l.dropped {
		line += "..."
	}
	l.buf = l.buf[:0]
	l.dropped = false
	if strings.TrimSpace(line) == "" {
		return
	}
	l.tail.Add(line)
}

// ----------------------------------------------------------------------------
// Placement
// ----------------------------------------------------------------------------

// placeMu serializes unique-name selection across concurrent jobs sharing an output dir
var placeMu sync.Mutex

// place moves found into the output dir and returns the placed files with
// sizes read back from their final location. On error nothing stays placed.
func (o *Orchestrator) place(job *models.Job, found []string) ([]models.ResultFile, error) {
	outDir := o.locator.OutputDir(job.Kind, job.Quality, job.Format)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	placeMu.Lock()
	defer placeMu.Unlock()

	var placed []models.ResultFile
	for _, src := range found {
		info, err := os.Stat(src)
		if err != nil {
			removePlaced(placed)
			return nil, err
		}
		if info.Size() == 0 {
			continue
		}

		base := filepath.Base(src)
		name := artifacts.SanitizeFilename(base, o.config.MaxFilenameLength)
		if strings.TrimSuffix(name, filepath.Ext(name)) == "" {
			name = job.ID + strings.ToLower(filepath.Ext(base))
		}

		dst := artifacts.UniquePath(outDir, name)
		if err := artifacts.MoveFile(src, dst); err != nil {
			removePlaced(placed)
			return nil, fmt.Errorf("failed to move %s: %w", base, err)
		}
		// Retention ages by mtime, so a tool-preserved upload date must not
		// make a fresh file sweepable before its record commits
		now := time.Now()
		if err := os.Chtimes(dst, now, now); err != nil {
			os.Remove(dst)
			removePlaced(placed)
			return nil, fmt.Errorf("failed to stamp %s: %w", base, err)
		}
		placed = append(placed, models.ResultFile{Name: filepath.Base(dst), Path: dst})
	}

	if len(placed) == 0 {
		return nil, fmt.Errorf("all produced files were empty")
	}

	for i := range placed {
		info, err := os.Stat(placed[i].Path)
		if err != nil || info.Size() == 0 {
			removePlaced(placed)
			return nil, fmt.Errorf("placed file %s is missing or empty", placed[i].Name)
		}
		placed[i].SizeBytes = info.Size()
	}
	return placed, nil
}

func removePlaced(files []models.ResultFile) {
	for _, f := range files {
		os.Remove(f.Path)
	}
}

func failedTransition(summary string) models.Transition {
	return models.Transition{To: models.JobStatusFailed, ErrorSummary: summary}
}
