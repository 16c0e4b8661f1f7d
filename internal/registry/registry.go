// Package registry tracks the extension processes spawned by this host.
package registry

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/extmgr/internal/exterr"
	"github.com/loykin/extmgr/internal/logger"
	"github.com/loykin/extmgr/internal/naming"
	"github.com/loykin/extmgr/internal/process"
)

// DefaultReapWait bounds how long removal paths wait for a killed child to be
// reaped. The wait happens outside the registry lock.
const DefaultReapWait = 500 * time.Millisecond

// Proc is the view of a child process the registry needs. *process.Handle
// implements it.
type Proc interface {
	ID() string
	PID() int
	Poll() (process.State, process.Exit)
	Kill() error
	WaitFor(d time.Duration) bool
	Snapshot() process.Status
}

// Spawner starts a child process.
type Spawner func(process.Options) (Proc, error)

func defaultSpawn(o process.Options) (Proc, error) {
	h, err := process.Start(o)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Outcome is the result of reconciling one identifier.
type Outcome struct {
	State process.State
	Exit  process.Exit
}

// Registry maps extension identifiers to the live child it owns. One mutex
// covers the whole map. An entry exists while its process is believed alive;
// it is removed on confirmed exit or explicit removal, never duplicated.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Proc

	logger   *slog.Logger
	env      func(id string) []string
	output   logger.OutputConfig
	reapWait time.Duration
	spawn    Spawner
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEnv sets the environment builder for children. It receives the
// identifier being started; nil inherits the host's environment.
func WithEnv(f func(id string) []string) Option {
	return func(r *Registry) { r.env = f }
}

// WithOutput enables capture of child stdout/stderr.
func WithOutput(c logger.OutputConfig) Option {
	return func(r *Registry) { r.output = c }
}

func WithReapWait(d time.Duration) Option {
	return func(r *Registry) { r.reapWait = d }
}

// WithSpawner replaces how children are started.
func WithSpawner(s Spawner) Option {
	return func(r *Registry) {
		if s != nil {
			r.spawn = s
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]Proc),
		logger:   slog.Default(),
		reapWait: DefaultReapWait,
		spawn:    defaultSpawn,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsRunning polls the tracked process without blocking. An exited process is
// removed as a side effect.
func (r *Registry) IsRunning(id string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(id)
}

func (r *Registry) reconcileLocked(id string) Outcome {
	h, ok := r.entries[id]
	if !ok {
		return Outcome{State: process.StateNotTracked}
	}
	st, ex := h.Poll()
	if st.Exited() {
		delete(r.entries, id)
		r.logger.Debug("extension exited", "id", id, "pid", h.PID(), "state", st.String(), "exit", ex.Desc)
	}
	return Outcome{State: st, Exit: ex}
}

// Start spawns path under id. A stale exited entry is cleared first.
func (r *Registry) Start(id, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reconcileLocked(id).State == process.StateRunning {
		return exterr.AlreadyRunning(id)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return exterr.NotFound(id)
		}
		return exterr.IO("failed to stat extension", path, err)
	}
	if fi.IsDir() {
		return exterr.NotFound(id)
	}

	opts := process.Options{ID: id, Path: path, Output: r.output}
	if r.env != nil {
		opts.Env = r.env(id)
	}
	h, err := r.spawn(opts)
	if err != nil {
		return exterr.Spawn(id, err)
	}
	r.entries[id] = h
	r.logger.Debug("extension started", "id", id, "pid", h.PID())
	return nil
}

// Stop removes and kills the tracked process. Absent ids are a no-op. When the
// kill fails the handle goes back into the map so the caller can retry.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	h, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	if err := h.Kill(); err != nil {
		r.entries[id] = h
		r.mu.Unlock()
		return exterr.Kill(id, err)
	}
	r.mu.Unlock()

	r.reap(h)
	r.logger.Debug("extension stopped", "id", id, "pid", h.PID())
	return nil
}

// ForceRemove removes and kills the tracked process, ignoring kill failures.
// It reports whether an entry was present.
func (r *Registry) ForceRemove(id string) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := h.Kill(); err != nil {
		r.logger.Warn("kill failed during removal", "id", id, "pid", h.PID(), "error", err)
	}
	r.reap(h)
	return true
}

// DrainAndKillAll empties the registry, killing every tracked process, and
// returns how many entries were drained.
func (r *Registry) DrainAndKillAll() int {
	r.mu.Lock()
	drained := r.entries
	r.entries = make(map[string]Proc)
	r.mu.Unlock()

	for id, h := range drained {
		if err := h.Kill(); err != nil {
			r.logger.Warn("kill failed during shutdown", "id", id, "pid", h.PID(), "error", err)
		}
	}
	for _, h := range drained {
		r.reap(h)
	}
	return len(drained)
}

func (r *Registry) reap(h Proc) {
	if !h.WaitFor(r.reapWait) {
		r.logger.Warn("extension not reaped after kill", "id", h.ID(), "pid", h.PID(), "wait", r.reapWait)
	}
}

// Status returns a snapshot of the tracked process without reconciling.
func (r *Registry) Status(id string) (process.Status, bool) {
	r.mu.Lock()
	h, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return process.Status{ID: id, State: process.StateNotTracked}, false
	}
	return h.Snapshot(), true
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the tracked identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// ExtensionEnv returns the variables describing id to the child itself.
func ExtensionEnv(id string) []string {
	return []string{
		"EXTMGR_EXTENSION_ID=" + id,
		"EXTMGR_EXTENSION_NAME=" + naming.BaseName(id),
		"EXTMGR_EXTENSION_VERSION=" + naming.Version(id),
	}
}

// PIDs maps every tracked id whose process has not exited to its pid.
func (r *Registry) PIDs() map[string]int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int32, len(r.entries))
	for id, h := range r.entries {
		if st, _ := h.Poll(); st == process.StateRunning {
			out[id] = int32(h.PID())
		}
	}
	return out
}
