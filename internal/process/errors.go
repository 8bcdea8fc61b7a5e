package process

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("no live process for task")
	ErrToolNotFound = errors.New("download tool not found")
	ErrFilesystem   = errors.New("filesystem error")
	ErrSpawnFailed  = errors.New("failed to start download tool")
	ErrTimeout      = errors.New("download timed out")
	ErrKillFailed   = errors.New("failed to kill process")
	ErrCancelled    = errors.New("download cancelled")
)

// ExitError reports a tool run that ended with a non-zero exit code.
type ExitError struct {
	Code int
	// Stderr holds the tail of the tool's standard error.
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("download tool exited with code %d", e.Code)
	}
	return fmt.Sprintf("download tool exited with code %d: %s", e.Code, e.Stderr)
}
