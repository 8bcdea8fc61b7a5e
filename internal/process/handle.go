package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Handle is a started tool process. Kill may be called from any goroutine and
// is a no-op once the process has exited.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exited  bool
	killed  bool
	waitErr error
}

// Start starts cmd and begins waiting for it in the background.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	// Wait returns only after the stdout/stderr copies have drained.
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the result of waiting on the process. Only valid after Done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Killed reports whether Kill delivered a signal to the running process.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("%w: pid %d: %w", ErrKillFailed, h.cmd.Process.Pid, err)
	}
	h.killed = true
	return nil
}

// Handles maps task ids to their live process.
type Handles struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewHandles() *Handles {
	return &Handles{handles: make(map[string]*Handle)}
}

func (hs *Handles) Register(id string, h *Handle) {
	hs.mu.Lock()
	hs.handles[id] = h
	hs.mu.Unlock()
}

func (hs *Handles) Get(id string) (*Handle, bool) {
	hs.mu.Lock()
	h, ok := hs.handles[id]
	hs.mu.Unlock()
	return h, ok
}

// KillAndRemove kills the task's process and drops the entry whatever the kill outcome.
func (hs *Handles) KillAndRemove(id string) error {
	hs.mu.Lock()
	h, ok := hs.handles[id]
	delete(hs.handles, id)
	hs.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.Kill()
}

// Remove drops the entry only if it still points at h, so a finished run
// never unregisters the process of a newer run.
func (hs *Handles) Remove(id string, h *Handle) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if cur, ok := hs.handles[id]; ok && cur == h {
		delete(hs.handles, id)
		return true
	}
	return false
}

func (hs *Handles) Len() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.handles)
}

// KillAll kills and removes every registered process.
func (hs *Handles) KillAll() error {
	hs.mu.Lock()
	all := hs.handles
	hs.handles = make(map[string]*Handle)
	hs.mu.Unlock()

	var errs []error
	for _, h := range all {
		if err := h.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
