package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"patch-downloader/internal/task"
	"patch-downloader/internal/workspace"
)

// Fetcher retrieves the raw manifest bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Supervisor.
type Config struct {
	Resolver *Resolver
	Fetcher  Fetcher
	Layout   workspace.Layout

	CDN     string
	Workers int

	// Timeout bounds only the time the tool is running.
	Timeout time.Duration

	ProgressInterval time.Duration

	// WaitDelay bounds how long output copies may linger after the process
	// exits (e.g. when a grandchild still holds the pipe).
	WaitDelay time.Duration

	// Env is appended to the inherited environment of the tool.
	Env []string

	Logger *log.Logger
}

// AttemptMarker prefixes the line written to each capture log when a run starts.
const AttemptMarker = "=== "

// Job identifies one run of one task.
type Job struct {
	TaskID      string
	Attempt     int
	ManifestRef string
	Language    string
	Content     string
	OutputDir   string
}

// Supervisor owns the lifecycle of tool invocations. It is the only writer of
// a running task's terminal fields, and all of its writes go through the
// registry guarded by the job's attempt number.
type Supervisor struct {
	cfg     Config
	tasks   *task.Registry
	handles *Handles
	now     func() time.Time
}

func NewSupervisor(cfg Config, tasks *task.Registry, handles *Handles) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	return &Supervisor{cfg: cfg, tasks: tasks, handles: handles, now: time.Now}
}

// run carries per-run state between stages.
type run struct {
	job      Job
	logger   *log.Entry
	taskLog  io.Closer
	captures []io.Closer
}

func (r *run) closeCaptures() {
	for _, c := range r.captures {
		c.Close()
	}
	r.captures = nil
}

func (r *run) close() {
	r.closeCaptures()
	if r.taskLog != nil {
		r.taskLog.Close()
	}
}

// Run drives job through resolve, fetch, spawn and wait. The outcome is
// written to the task record; the returned error only mirrors it for the caller's logs.
// Cancelling ctx (pause, cancel, shutdown) aborts whichever stage is active.
func (s *Supervisor) Run(ctx context.Context, job Job) error {
	r := &run{
		job: job,
		logger: s.cfg.Logger.WithFields(log.Fields{
			"task":    job.TaskID,
			"attempt": job.Attempt,
		}),
	}
	defer r.close()

	// Resolving
	toolPath, err := s.cfg.Resolver.Resolve()
	if err != nil {
		return s.fail(r, "resolve", task.KindToolNotFound, err)
	}
	r.logger.WithField("tool", toolPath).Debug("download tool resolved")

	if err := s.openTaskLog(r); err != nil {
		return s.fail(r, "prepare", task.KindFilesystem, err)
	}

	if !s.update(r, func(rec *task.Record) {
		rec.Status = task.StatusDownloading
		rec.Error = ""
		rec.ErrorKind = task.KindNone
		rec.ExitCode = nil
	}) {
		return s.abandon(ctx, r, "fetch")
	}

	// Fetching
	r.logger.WithFields(log.Fields{"stage": "fetch", "manifest": job.ManifestRef}).Info("fetching manifest")
	data, err := s.cfg.Fetcher.Fetch(ctx, job.ManifestRef)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandon(ctx, r, "fetch")
		}
		return s.fail(r, "fetch", task.KindManifestFetch, err)
	}

	manifestPath, err := s.cfg.Layout.SaveManifest(job.TaskID, data)
	if err != nil {
		return s.fail(r, "fetch", task.KindFilesystem, fmt.Errorf("%w: %w", ErrFilesystem, err))
	}
	r.logger.WithFields(log.Fields{"stage": "fetch", "path": manifestPath, "bytes": len(data)}).Info("manifest saved")

	if !s.update(r, func(rec *task.Record) { rec.ManifestPath = manifestPath }) || ctx.Err() != nil {
		return s.abandon(ctx, r, "spawn")
	}

	// Spawning
	h, stderrTail, err := s.spawn(r, toolPath, manifestPath)
	if err != nil {
		kind := task.KindSpawnFailed
		if errors.Is(err, ErrFilesystem) {
			kind = task.KindFilesystem
		}
		return s.fail(r, "spawn", kind, err)
	}
	s.handles.Register(job.TaskID, h)

	// A pause or cancel that landed between the last check and Register
	// could not see the handle; it has cancelled ctx though.
	started := s.now()
	if ctx.Err() != nil || !s.update(r, func(rec *task.Record) { rec.ProgressEstimated = true }) {
		s.stop(r, h)
		return s.abandon(ctx, r, "spawn")
	}
	r.logger.WithFields(log.Fields{"stage": "run", "pid": h.PID()}).Info("download tool started")

	// Running
	outcome := s.wait(ctx, r, h, started)
	if outcome != killFailed {
		s.handles.Remove(job.TaskID, h)
	}

	// Finalizing: h.Done() has fired, so output capture is drained. Close the
	// capture files before the record reaches its terminal state.
	r.closeCaptures()
	return s.finish(ctx, r, h, outcome, stderrTail, time.Since(started))
}

type outcome int

const (
	exited outcome = iota
	timedOut
	cancelled
	killFailed
)

func (s *Supervisor) wait(ctx context.Context, r *run, h *Handle, started time.Time) outcome {
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()

	est := NewEstimator(r.job.OutputDir, s.cfg.Timeout/8, started)

	for {
		select {
		case <-h.Done():
			return exited

		case <-ticker.C:
			sample := est.Sample(s.now())
			s.update(r, func(rec *task.Record) {
				rec.SetProgress(sample.Percent)
				rec.Speed = sample.Speed
				rec.ETA = sample.ETA
			})

		case <-timer.C:
			r.logger.WithFields(log.Fields{"stage": "run", "timeout": s.cfg.Timeout}).Warn("download timed out, killing tool")
			if err := h.Kill(); err != nil {
				r.logger.WithField("stage", "run").Errorf("kill after timeout failed: %v", err)
				return killFailed
			}
			<-h.Done()
			return timedOut

		case <-ctx.Done():
			if err := h.Kill(); err != nil {
				r.logger.WithField("stage", "run").Errorf("kill after cancellation failed: %v", err)
				return killFailed
			}
			<-h.Done()
			return cancelled
		}
	}
}

func (s *Supervisor) finish(ctx context.Context, r *run, h *Handle, out outcome, stderr *tailBuffer, elapsed time.Duration) error {
	switch out {
	case timedOut:
		err := fmt.Errorf("%w after %s; process killed", ErrTimeout, s.cfg.Timeout)
		return s.fail(r, "run", task.KindTimeout, err)
	case killFailed:
		// The process may still be running; keep waiting for it in the background
		// so the handle is eventually released.
		go func() {
			<-h.Done()
			s.handles.Remove(r.job.TaskID, h)
		}()
		return s.fail(r, "run", task.KindKillFailed, ErrKillFailed)
	case cancelled:
		return s.abandon(ctx, r, "run")
	}

	waitErr := h.Err()
	if waitErr == nil {
		zero := 0
		applied := s.update(r, func(rec *task.Record) {
			rec.Progress = 100
			rec.ProgressEstimated = false
			rec.ExitCode = &zero
			rec.Finish(task.StatusCompleted, task.KindNone, "", s.now())
		})
		if !applied {
			r.logger.WithField("stage", "run").Info("download tool exited cleanly but the run was superseded")
			return ErrCancelled
		}
		r.logger.WithFields(log.Fields{"stage": "run", "elapsed": elapsed.Round(time.Millisecond)}).Info("download completed")
		return nil
	}

	// Killed from outside (KillAndRemove) without ctx being cancelled: the
	// caller already wrote the state it wanted.
	if h.Killed() {
		return s.abandon(ctx, r, "run")
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		err := &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.LastLine()}
		code := err.Code
		s.update(r, func(rec *task.Record) { rec.ExitCode = &code })
		return s.fail(r, "run", task.KindProcessExit, err)
	}
	return s.fail(r, "run", task.KindProcessExit, fmt.Errorf("wait for download tool: %w", waitErr))
}

// stop kills h and waits for it before releasing its registry entry.
func (s *Supervisor) stop(r *run, h *Handle) {
	if err := h.Kill(); err != nil {
		r.logger.Errorf("kill download tool: %v", err)
		return
	}
	<-h.Done()
	s.handles.Remove(r.job.TaskID, h)
}

func (s *Supervisor) spawn(r *run, toolPath, manifestPath string) (*Handle, *tailBuffer, error) {
	job := r.job
	stdout, err := s.openCapture(r, workspace.StdoutLog(job.OutputDir, job.TaskID))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open stdout log: %w", ErrFilesystem, err)
	}

	stderr, err := s.openCapture(r, workspace.StderrLog(job.OutputDir, job.TaskID))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open stderr log: %w", ErrFilesystem, err)
	}

	tail := newTailBuffer(4096)
	args := BuildArgs(Invocation{
		Language:     job.Language,
		Content:      job.Content,
		CDN:          s.cfg.CDN,
		Workers:      s.cfg.Workers,
		ManifestPath: manifestPath,
		OutputDir:    job.OutputDir,
	})

	cmd := exec.Command(toolPath, args...)
	cmd.Dir = job.OutputDir
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, tail)
	cmd.WaitDelay = s.cfg.WaitDelay
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	r.logger.WithFields(log.Fields{"stage": "spawn", "args": args}).Debug("starting download tool")
	h, err := Start(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	return h, tail, nil
}

// openCapture opens a capture log for appending, so output of earlier attempts
// survives a resume, and marks where this attempt starts.
func (s *Supervisor) openCapture(r *run, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	r.captures = append(r.captures, f)
	if _, err := fmt.Fprintf(f, "%sattempt %d started %s\n", AttemptMarker, r.job.Attempt, s.now().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return f, nil
}

// openTaskLog creates the output directory and tees the run's log lines into
// <output>/<task>.log.
func (s *Supervisor) openTaskLog(r *run) error {
	if err := workspace.EnsureDir(r.job.OutputDir); err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	f, err := os.OpenFile(workspace.TaskLog(r.job.OutputDir, r.job.TaskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open task log: %w", ErrFilesystem, err)
	}
	r.taskLog = f

	base := s.cfg.Logger
	l := log.New()
	l.SetLevel(base.GetLevel())
	l.SetFormatter(base.Formatter)
	l.SetOutput(io.MultiWriter(base.Out, f))
	r.logger = l.WithFields(r.logger.Data)
	return nil
}

// update applies fn only while the record still belongs to this run and is
// active. It reports whether fn was applied.
func (s *Supervisor) update(r *run, fn func(*task.Record)) bool {
	applied := false
	_, err := s.tasks.Update(r.job.TaskID, func(rec *task.Record) {
		if rec.Attempt != r.job.Attempt || !rec.Status.Active() {
			return
		}
		fn(rec)
		applied = true
	})
	if err != nil {
		r.logger.Errorf("update task record: %v", err)
	}
	return applied
}

func (s *Supervisor) fail(r *run, stage string, kind task.ErrorKind, err error) error {
	r.logger.WithFields(log.Fields{"stage": stage, "kind": kind}).Errorf("download failed: %v", err)
	s.update(r, func(rec *task.Record) {
		rec.Finish(task.StatusError, kind, err.Error(), s.now())
	})
	return err
}

// abandon ends a run that was interrupted. Pause and cancel record their own
// state before interrupting, so the record is only touched when it is still
// active (e.g. on shutdown).
func (s *Supervisor) abandon(ctx context.Context, r *run, stage string) error {
	msg := "download cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("download cancelled: %v", cause)
	}
	applied := s.update(r, func(rec *task.Record) {
		rec.Finish(task.StatusError, task.KindCancelled, msg, s.now())
	})
	r.logger.WithFields(log.Fields{"stage": stage, "recorded": applied}).Info("download interrupted")
	return ErrCancelled
}
