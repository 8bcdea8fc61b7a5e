package task

import (
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether the status is an outcome (completed or error).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether a run may still be working on the task.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading
}

// ErrorKind classifies why a task ended in StatusError.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindToolNotFound  ErrorKind = "tool_not_found"
	KindManifestFetch ErrorKind = "manifest_fetch_failed"
	KindFilesystem    ErrorKind = "filesystem"
	KindSpawnFailed   ErrorKind = "spawn_failed"
	KindProcessExit   ErrorKind = "process_exit"
	KindTimeout       ErrorKind = "timeout"
	KindCancelled     ErrorKind = "cancelled"
	KindKillFailed    ErrorKind = "kill_failed"
	KindInternal      ErrorKind = "internal"
)

const (
	NoSpeed = "0 B/s"
	NoETA   = "--"
)

// Record is the observable state of one download.
type Record struct {
	ID          string `json:"id"`
	ManifestRef string `json:"manifest"`
	Language    string `json:"language"`
	Content     string `json:"content,omitempty"`
	OutputDir   string `json:"output_dir"`

	Status            Status    `json:"status"`
	Progress          float64   `json:"progress"`
	ProgressEstimated bool      `json:"progress_estimated"`
	Speed             string    `json:"speed"`
	ETA               string    `json:"eta"`
	Error             string    `json:"error,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	ExitCode          *int      `json:"exit_code,omitempty"`
	ManifestPath      string    `json:"manifest_path,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	Attempt int   `json:"attempt"`
	Version int64 `json:"version"`
}

// NewRecord returns a pending record for a first attempt.
func NewRecord(id, manifestRef, language, content, outputDir string, now time.Time) Record {
	return Record{
		ID:          id,
		ManifestRef: manifestRef,
		Language:    language,
		Content:     content,
		OutputDir:   outputDir,
		Status:      StatusPending,
		Speed:       NoSpeed,
		ETA:         NoETA,
		StartedAt:   now,
		UpdatedAt:   now,
		Attempt:     1,
	}
}

// Finish moves the record into a terminal state. EndedAt is only written the
// first time; a record that is already terminal is left untouched and false is returned.
func (r *Record) Finish(status Status, kind ErrorKind, msg string, now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = status
	r.Speed = NoSpeed
	r.ETA = NoETA
	if status == StatusError {
		r.Error = msg
		r.ErrorKind = kind
	} else {
		r.Error = ""
		r.ErrorKind = KindNone
	}
	if r.EndedAt == nil {
		t := now
		r.EndedAt = &t
	}
	return true
}

// SetProgress raises progress while downloading. Lower values are ignored.
func (r *Record) SetProgress(p float64) {
	if r.Status != StatusDownloading {
		return
	}
	if p > 100 {
		p = 100
	}
	if p > r.Progress {
		r.Progress = p
	}
}
