// Package orchestrator is the command surface of the downloader. It owns the
// task and process registries and launches one supervisor run per start or
// resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"patch-downloader/internal/catalog"
	"patch-downloader/internal/process"
	"patch-downloader/internal/task"
	"patch-downloader/internal/workspace"
)

var (
	ErrInvalidState = errors.New("invalid task state")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("orchestrator is shut down")

	errPaused    = errors.New("paused by user")
	errCancelled = errors.New("cancelled by user")
	errShutdown  = errors.New("orchestrator shutting down")
)

// Runner executes one run of a task. *process.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, job process.Job) error
}

// HistoryStore lists every task ever journaled.
type HistoryStore interface {
	List(ctx context.Context) ([]task.Record, error)
}

type Options struct {
	Layout  workspace.Layout
	Catalog *catalog.Catalog
	History HistoryStore
	Logger  *log.Logger
}

// StartRequest describes a new download.
type StartRequest struct {
	// ManifestRef is a manifest URL, or the id of a catalog entry.
	ManifestRef string `json:"manifest"`
	Language    string `json:"language"`
	Content     string `json:"content"`
	// OutputDir defaults to <downloads_dir>/<task id>.
	OutputDir string `json:"output_dir"`
}

type runState struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Orchestrator struct {
	tasks   *task.Registry
	handles *process.Handles
	runner  Runner
	layout  workspace.Layout
	catalog *catalog.Catalog
	history HistoryStore
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool
	group  errgroup.Group
}

func New(tasks *task.Registry, handles *process.Handles, runner Runner, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Orchestrator{
		tasks:   tasks,
		handles: handles,
		runner:  runner,
		layout:  opts.Layout,
		catalog: opts.Catalog,
		history: opts.History,
		logger:  opts.Logger,
		now:     time.Now,
		runs:    make(map[string]*runState),
	}
}

// FetchCatalog reloads the catalog and returns the new view.
func (o *Orchestrator) FetchCatalog(ctx context.Context) ([]catalog.Manifest, error) {
	if o.catalog == nil {
		return nil, errors.New("no catalog configured")
	}
	return o.catalog.Refresh(ctx)
}

// StartDownload registers a pending task and launches its run in the
// background. It returns as soon as the task exists.
func (o *Orchestrator) StartDownload(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := o.resolveRef(req.ManifestRef)
	if err != nil {
		return "", err
	}
	if o.isClosed() {
		return "", ErrClosed
	}

	id := uuid.NewString()
	rec := task.NewRecord(id, ref, strings.TrimSpace(req.Language), strings.TrimSpace(req.Content),
		o.layout.OutputDir(id, req.OutputDir), o.now())
	if err := o.tasks.Create(rec); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	o.logger.WithFields(log.Fields{"task": id, "manifest": ref, "output": rec.OutputDir}).Info("download queued")
	if err := o.launch(rec); err != nil {
		return "", err
	}
	return id, nil
}

// PauseDownload freezes a pending or downloading task and stops its process.
func (o *Orchestrator) PauseDownload(id string) error {
	var prev task.Status
	applied := false
	_, err := o.tasks.Update(id, func(rec *task.Record) {
		prev = rec.Status
		if !rec.Status.Active() {
			return
		}
		rec.Status = task.StatusPaused
		rec.Speed = task.NoSpeed
		rec.ETA = task.NoETA
		applied = true
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: cannot pause a %s task", ErrInvalidState, prev)
	}

	o.logger.WithField("task", id).Info("download paused")
	return o.interrupt(id, errPaused)
}

// ResumeDownload relaunches a paused task with its original parameters.
func (o *Orchestrator) ResumeDownload(id string) error {
	if o.isClosed() {
		return ErrClosed
	}

	var prev task.Status
	applied := false
	rec, err := o.tasks.Update(id, func(rec *task.Record) {
		prev = rec.Status
		if rec.Status != task.StatusPaused {
			return
		}
		rec.Attempt++
		rec.Status = task.StatusPending
		rec.ProgressEstimated = false
		rec.Error = ""
		rec.ErrorKind = task.KindNone
		rec.ExitCode = nil
		applied = true
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: cannot resume a %s task", ErrInvalidState, prev)
	}

	o.logger.WithFields(log.Fields{"task": id, "attempt": rec.Attempt}).Info("download resumed")
	return o.launch(rec)
}

// CancelDownload ends a task as cancelled and kills its process. Cancelling a
// finished task changes nothing.
func (o *Orchestrator) CancelDownload(id string) error {
	var prev task.Status
	_, err := o.tasks.Update(id, func(rec *task.Record) {
		prev = rec.Status
		rec.Finish(task.StatusError, task.KindCancelled, "download cancelled by user", o.now())
	})
	if err != nil {
		return err
	}
	if prev == task.StatusCompleted {
		return nil
	}
	if !prev.Terminal() {
		o.logger.WithField("task", id).Info("download cancelled")
	}
	return o.interrupt(id, errCancelled)
}

func (o *Orchestrator) GetProgress(id string) (task.Record, bool) {
	return o.tasks.Get(id)
}

func (o *Orchestrator) ListDownloads() []task.Record {
	return o.tasks.List()
}

// History returns journaled tasks, newest first, including those of earlier
// processes. Without a journal it falls back to the live registry.
func (o *Orchestrator) History(ctx context.Context) ([]task.Record, error) {
	if o.history == nil {
		list := o.tasks.List()
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
		return list, nil
	}
	return o.history.List(ctx)
}

// Wait blocks until the current run of id has returned.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	rs := o.runs[id]
	o.mu.Unlock()

	if rs == nil {
		if _, ok := o.tasks.Get(id); !ok {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return nil
	}

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every run, kills the remaining processes and waits for the
// supervisors to return. Interrupted tasks end as cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, rs := range o.runs {
		rs.cancel(errShutdown)
	}
	o.mu.Unlock()

	if err := o.handles.KillAll(); err != nil {
		o.logger.Errorf("kill download tools: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for downloads to stop: %w", ctx.Err())
	}
}

// launch starts a supervisor run for rec's current attempt. A previous run of
// the same task is waited for first, so two runs never share the output
// directory.
func (o *Orchestrator) launch(rec task.Record) error {
	job := process.Job{
		TaskID:      rec.ID,
		Attempt:     rec.Attempt,
		ManifestRef: rec.ManifestRef,
		Language:    rec.Language,
		Content:     rec.Content,
		OutputDir:   rec.OutputDir,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.tasks.Update(rec.ID, func(r *task.Record) {
			if r.Attempt == job.Attempt {
				r.Finish(task.StatusError, task.KindCancelled, "download cancelled: "+errShutdown.Error(), o.now())
			}
		})
		return ErrClosed
	}

	prev := o.runs[rec.ID]
	ctx, cancel := context.WithCancelCause(context.Background())
	rs := &runState{cancel: cancel, done: make(chan struct{})}
	o.runs[rec.ID] = rs

	o.group.Go(func() error {
		defer close(rs.done)
		defer o.release(rec.ID, rs)

		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
			}
		}

		if err := o.runner.Run(ctx, job); err != nil {
			o.logger.WithFields(log.Fields{"task": job.TaskID, "attempt": job.Attempt}).Debugf("run ended: %v", err)
		}
		return nil
	})
	return nil
}

func (o *Orchestrator) release(id string, rs *runState) {
	rs.cancel(nil)

	o.mu.Lock()
	if o.runs[id] == rs {
		delete(o.runs, id)
	}
	o.mu.Unlock()
}

// interrupt cancels the run context before killing the process, so a run that
// registers its handle after the kill still notices.
func (o *Orchestrator) interrupt(id string, cause error) error {
	o.mu.Lock()
	if rs := o.runs[id]; rs != nil {
		rs.cancel(cause)
	}
	o.mu.Unlock()

	if err := o.handles.KillAndRemove(id); err != nil && !errors.Is(err, process.ErrNotFound) {
		o.logger.WithField("task", id).Errorf("stop download tool: %v", err)
		return err
	}
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) resolveRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: manifest is required", ErrInvalidInput)
	}

	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported manifest url scheme %q", ErrInvalidInput, u.Scheme)
		}
		if u.Host == "" {
			return "", fmt.Errorf("%w: manifest url %q has no host", ErrInvalidInput, ref)
		}
		return ref, nil
	}

	if o.catalog != nil {
		for _, m := range o.catalog.List() {
			if m.ID == ref || strings.HasSuffix(m.Manifest, "/"+ref) {
				return m.Manifest, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q is neither a manifest url nor a catalog entry", ErrInvalidInput, ref)
}
