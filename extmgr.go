// Package extmgr installs, runs and supervises versioned extension
// executables kept in a single directory. It re-exports the pieces needed to
// embed the manager or the whole daemon in another program.
package extmgr

import (
	"log/slog"
	"net/http"

	cfg "github.com/loykin/extmgr/internal/config"
	"github.com/loykin/extmgr/internal/env"
	"github.com/loykin/extmgr/internal/history"
	"github.com/loykin/extmgr/internal/manager"
	"github.com/loykin/extmgr/internal/metrics"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/registry"
	iapi "github.com/loykin/extmgr/internal/server"
	"github.com/loykin/extmgr/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Aliases so callers never import internal packages.

type Config = cfg.Config

type Descriptor = manager.Descriptor

type Status = manager.Status

type InstallResult = store.InstallResult

type Crash = notify.Crash

type Notifier = notify.Notifier

// NotifierFunc adapts a function to Notifier.
type NotifierFunc = notify.Func

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Manager = manager.Manager

// ManagerOption tunes NewManager.
type ManagerOption = manager.Option

var (
	WithLogger   = manager.WithLogger
	WithNotifier = manager.WithNotifier
	WithHistory  = manager.WithHistory
)

// NewManager builds a manager over the extensions directory dir. Children
// inherit the host environment plus their own EXTMGR_EXTENSION_* variables.
func NewManager(dir string, opts ...ManagerOption) *Manager {
	host := env.New(true)
	reg := registry.New(registry.WithEnv(func(id string) []string {
		return host.Merge(registry.ExtensionEnv(id)...)
	}))
	return manager.New(store.New(dir), reg, opts...)
}

// NewHistoryRecorder fans lifecycle events out to sinks.
func NewHistoryRecorder(logger *slog.Logger, sinks ...HistorySink) *history.Recorder {
	return history.NewRecorder(logger, sinks...)
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHandler returns the HTTP API for m mounted under basePath.
func NewHandler(m *Manager, basePath string) http.Handler {
	return iapi.NewRouter(m, basePath).Handler()
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }
