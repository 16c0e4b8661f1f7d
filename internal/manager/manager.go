package manager

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/extmgr/internal/exterr"
	"github.com/loykin/extmgr/internal/history"
	"github.com/loykin/extmgr/internal/metrics"
	"github.com/loykin/extmgr/internal/naming"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/process"
	"github.com/loykin/extmgr/internal/registry"
	"github.com/loykin/extmgr/internal/store"
)

// Manager composes the extension store and the process registry into the
// operations exposed to callers. It holds no lock of its own; the registry
// serializes process bookkeeping.
type Manager struct {
	st  *store.Store
	reg *registry.Registry

	logger   *slog.Logger
	notifier notify.Notifier
	hist     *history.Recorder

	shutdownOnce sync.Once
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNotifier sets the receiver of crash notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithHistory sets the recorder that lifecycle events are sent to.
func WithHistory(r *history.Recorder) Option {
	return func(m *Manager) { m.hist = r }
}

func New(st *store.Store, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{st: st, reg: reg, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store returns the underlying extension store.
func (m *Manager) Store() *store.Store { return m.st }

// Registry returns the underlying process registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// List enumerates installed extensions, reconciling each against the
// registry. Extensions found to have exited with an error are reported to the
// notifier before being listed as not running.
func (m *Manager) List(ctx context.Context) ([]Descriptor, error) {
	entries, err := m.st.List()
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		o := m.reconcile(ctx, e.ID)
		out = append(out, describe(e.ID, o.State == process.StateRunning))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	metrics.SetRunning(m.reg.Len())
	return out, nil
}

// Install writes data as extension name, replacing every installed version
// with the same display name. Running processes of replaced versions are not
// stopped.
func (m *Manager) Install(ctx context.Context, name string, data []byte) (store.InstallResult, error) {
	res, err := m.st.Install(name, data)
	if err != nil {
		m.logger.Error("install failed", "id", name, "error", err, "replaced", len(res.Replaced))
		return res, err
	}
	newVer := naming.Version(name)
	for _, old := range res.Replaced {
		change := naming.Classify(old.Version, newVer)
		m.logger.Info("replaced extension version",
			"name", old.Name, "from", old.Version, "to", newVer, "change", string(change))
		if m.reconcile(ctx, old.ID).State == process.StateRunning {
			m.logger.Warn("replaced extension is still running", "id", old.ID, "replacement", name)
		}
	}
	m.logger.Info("extension installed", "id", name, "bytes", len(data))
	metrics.IncInstall()
	m.record(ctx, history.EventInstall, history.Record{
		ID: name, Name: naming.BaseName(name), Version: newVer, Detail: replacedDetail(res.Replaced),
	})
	return res, nil
}

func replacedDetail(rs []store.Entry) string {
	if len(rs) == 0 {
		return ""
	}
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return "replaced: " + strings.Join(ids, ", ")
}

// Run starts the extension id. It fails with NotFound when the file is not
// installed, even if a process for id is still tracked. An earlier run that
// has exited is reconciled first so its exit is reported.
func (m *Manager) Run(ctx context.Context, id string) error {
	if !m.st.Exists(id) {
		return exterr.NotFound(id)
	}
	if m.reconcile(ctx, id).State == process.StateRunning {
		return exterr.AlreadyRunning(id)
	}
	if err := m.reg.Start(id, m.st.Path(id)); err != nil {
		m.logger.Warn("run failed", "id", id, "error", err)
		return err
	}
	st, _ := m.reg.Status(id)
	m.logger.Info("extension started", "id", id, "pid", st.PID)
	metrics.IncStart()
	metrics.SetRunning(m.reg.Len())
	m.record(ctx, history.EventStart, recordFor(id, st.PID))
	return nil
}

// Stop terminates the extension id if it is running. A process that already
// exited is reported as an exit or crash, not as a stop.
func (m *Manager) Stop(ctx context.Context, id string) error {
	if m.reconcile(ctx, id).State != process.StateRunning {
		metrics.SetRunning(m.reg.Len())
		return nil
	}
	st, tracked := m.reg.Status(id)
	if err := m.reg.Stop(id); err != nil {
		m.logger.Error("stop failed", "id", id, "error", err)
		return err
	}
	metrics.SetRunning(m.reg.Len())
	if !tracked {
		return nil
	}
	m.logger.Info("extension stopped", "id", id, "pid", st.PID)
	metrics.IncStop()
	m.record(ctx, history.EventStop, recordFor(id, st.PID))
	return nil
}

// Delete terminates any tracked process for id, then removes its file.
// Deleting an absent extension succeeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	// Names the store rejects can never be installed.
	if err := store.ValidateName(id); err != nil {
		m.logger.Debug("delete of invalid name ignored", "id", id, "error", err)
		return nil
	}
	if m.reg.ForceRemove(id) {
		m.logger.Info("terminated extension before delete", "id", id)
		metrics.SetRunning(m.reg.Len())
	}
	existed := m.st.Exists(id)
	if err := m.st.Delete(id); err != nil {
		m.logger.Error("delete failed", "id", id, "error", err)
		return err
	}
	if existed {
		m.logger.Info("extension deleted", "id", id)
		metrics.IncDelete()
		m.record(ctx, history.EventDelete, recordFor(id, 0))
	}
	return nil
}

// Status reports one installed extension with its process details.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	if !m.st.Exists(id) {
		return Status{}, exterr.NotFound(id)
	}
	o := m.reconcile(ctx, id)
	s := Status{
		Descriptor: describe(id, o.State == process.StateRunning),
		State:      o.State,
	}
	switch o.State {
	case process.StateRunning:
		if ps, ok := m.reg.Status(id); ok {
			s.PID = ps.PID
			t := ps.StartedAt
			s.StartedAt = &t
		}
	case process.StateExitedOk, process.StateExitedError:
		exit := o.Exit
		s.Exit = &exit
	}
	return s, nil
}

// Shutdown kills every tracked extension process. Only the first call has
// any effect.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		n := m.reg.DrainAndKillAll()
		metrics.SetRunning(0)
		m.logger.Info("extension manager shut down", "terminated", n)
		m.record(context.Background(), history.EventShutdown, history.Record{
			ID: "*", Name: "*", Version: naming.UnknownVersion, Detail: "terminated " + strconv.Itoa(n),
		})
	})
}

// reconcile polls id and handles an observed exit.
func (m *Manager) reconcile(ctx context.Context, id string) registry.Outcome {
	o := m.reg.IsRunning(id)
	if !o.State.Exited() {
		return o
	}
	name := naming.BaseName(id)
	ok := o.State == process.StateExitedOk
	metrics.ObserveExit(name, ok)

	code := o.Exit.Code
	rec := recordFor(id, 0)
	rec.ExitCode = &code
	rec.Detail = o.Exit.Desc

	if ok {
		m.logger.Info("extension exited", "id", id, "exit", o.Exit.Desc)
		m.record(ctx, history.EventExit, rec)
		return o
	}
	m.logger.Warn("extension crashed", "id", id, "code", o.Exit.Code, "signal", o.Exit.Signal, "exit", o.Exit.Desc)
	m.record(ctx, history.EventCrash, rec)
	if m.notifier != nil {
		m.notifier.Notify(notify.Crash{
			ID:         id,
			Name:       name,
			Message:    crashMessage(name, o.Exit),
			Exit:       o.Exit,
			OccurredAt: time.Now(),
		})
	}
	return o
}

func crashMessage(name string, e process.Exit) string {
	msg := "Extension '" + name + "' exited with an error."
	if e.Desc != "" {
		msg += " (" + e.Desc + ")"
	}
	return msg
}

func recordFor(id string, pid int) history.Record {
	return history.Record{ID: id, Name: naming.BaseName(id), Version: naming.Version(id), PID: pid}
}

func (m *Manager) record(ctx context.Context, t history.EventType, rec history.Record) {
	if m.hist == nil {
		return
	}
	m.hist.Record(context.WithoutCancel(ctx), history.NewEvent(t, rec))
}
