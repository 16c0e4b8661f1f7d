// Package process owns a single extension child process: it spawns it, polls
// its exit state without blocking, and terminates it on request.
package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/extmgr/internal/logger"
)

const outputWaitDelay = 2 * time.Second

// Options configures a spawn.
type Options struct {
	ID     string              // extension identifier, used for output file names
	Path   string              // executable
	Args   []string            // extra arguments
	Dir    string              // working directory; defaults to the executable's directory
	Env    []string            // full environment; nil inherits the parent's
	Output logger.OutputConfig // stdout/stderr capture
}

// Handle is a started child process. Exactly one goroutine waits on it; every
// other observer reads the published result.
type Handle struct {
	id        string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{} // closed once cmd.Wait returns

	mu        sync.Mutex
	state     *os.ProcessState
	waitErr   error
	stoppedAt time.Time
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// Start spawns the executable described by opts.
func Start(opts Options) (*Handle, error) {
	// #nosec G204 -- the executable is an installed extension chosen by the operator
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(opts.Path)
	}
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	configureSysProcAttr(cmd)

	h := &Handle{id: opts.ID, cmd: cmd, done: make(chan struct{})}
	outW, errW := opts.Output.Writers(opts.ID)
	if outW != nil {
		h.outCloser, cmd.Stdout = outW, outW
	}
	if errW != nil {
		h.errCloser, cmd.Stderr = errW, errW
	}
	if outW != nil || errW != nil {
		// grandchildren holding the pipes must not stall the waiter
		cmd.WaitDelay = outputWaitDelay
	}
	// nil Stdout/Stderr make exec connect the child to os.DevNull.

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, err
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.state = h.cmd.ProcessState
	h.waitErr = err
	h.stoppedAt = time.Now()
	h.mu.Unlock()
	h.closeWriters()
	close(h.done)
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outCloser != nil {
		_ = h.outCloser.Close()
		h.outCloser = nil
	}
	if h.errCloser != nil {
		_ = h.errCloser.Close()
		h.errCloser = nil
	}
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Poll reports the current state without blocking.
func (h *Handle) Poll() (State, Exit) {
	select {
	case <-h.done:
	default:
		return StateRunning, Exit{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return classify(h.state, h.waitErr)
}

func classify(ps *os.ProcessState, waitErr error) (State, Exit) {
	if ps == nil {
		desc := "unknown exit status"
		if waitErr != nil {
			desc = waitErr.Error()
		}
		return StateExitedError, Exit{Code: -1, Desc: desc}
	}
	if ps.Success() {
		return StateExitedOk, Exit{Code: 0, Desc: ps.String()}
	}
	return StateExitedError, Exit{Code: ps.ExitCode(), Signal: exitSignal(ps), Desc: ps.String()}
}

// Kill forcibly terminates the process (and its process group where
// supported). It does not wait; use WaitFor to bound a reap. Killing a
// process that already exited is not an error.
func (h *Handle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := killTree(h.cmd.Process)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	// lost a race with exit
	select {
	case <-h.done:
		return nil
	default:
		return err
	}
}

// WaitFor waits up to d for the process to be reaped and reports whether it was.
func (h *Handle) WaitFor(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Snapshot returns a copy of the current status.
func (h *Handle) Snapshot() Status {
	st, ex := h.Poll()
	s := Status{
		ID:        h.id,
		PID:       h.pid,
		State:     st,
		Running:   st == StateRunning,
		StartedAt: h.startedAt,
	}
	if st == StateRunning {
		if t := osStartTime(h.pid); !t.IsZero() {
			s.OSStartedAt = t
		}
		return s
	}
	h.mu.Lock()
	s.StoppedAt = h.stoppedAt
	h.mu.Unlock()
	s.Exit = &ex
	return s
}
