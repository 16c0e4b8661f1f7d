package extmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	cfg "github.com/loykin/extmgr/internal/config"
	"github.com/loykin/extmgr/internal/history"
	"github.com/loykin/extmgr/internal/history/factory"
	"github.com/loykin/extmgr/internal/logger"
	"github.com/loykin/extmgr/internal/manager"
	"github.com/loykin/extmgr/internal/metrics"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/registry"
	iapi "github.com/loykin/extmgr/internal/server"
	"github.com/loykin/extmgr/internal/store"
	itls "github.com/loykin/extmgr/internal/tls"
	"github.com/loykin/extmgr/internal/watch"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultShutdownTimeout bounds how long in-flight HTTP requests may take
// once the daemon is asked to stop.
const DefaultShutdownTimeout = 5 * time.Second

// Daemon wires the manager to its HTTP API, metrics, history sinks and the
// crash watch according to a Config.
type Daemon struct {
	cfg       *cfg.Config
	logger    *slog.Logger
	logCloser io.Closer

	mgr       *manager.Manager
	hist      *history.Recorder
	events    *notify.Broadcaster
	collector *metrics.ProcessCollector
	watcher   *watch.Watcher

	srv        *http.Server
	metricsSrv *http.Server
	addr       net.Addr
	errCh      <-chan error

	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewDaemon builds every component but starts nothing.
func NewDaemon(c *Config) (*Daemon, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	log, closer, err := logger.New(c.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	d := &Daemon{cfg: c, logger: log, logCloser: closer}
	if err := d.build(); err != nil {
		_ = closer.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	c := d.cfg
	hostEnv, err := c.GlobalEnv()
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	reg := registry.New(
		registry.WithLogger(d.logger),
		registry.WithOutput(c.Output),
		registry.WithEnv(func(id string) []string {
			return hostEnv.Merge(registry.ExtensionEnv(id)...)
		}),
	)

	d.hist = factory.NewRecorder(d.logger, c.History.Sinks)
	d.events = notify.NewBroadcaster(notify.DefaultBuffer)
	crashLog := notify.Func(func(cr notify.Crash) {
		d.logger.Error("extension crashed", "id", cr.ID, "message", cr.Message)
	})
	d.mgr = manager.New(store.New(c.ExtensionsDir, store.WithLogger(d.logger)), reg,
		manager.WithLogger(d.logger),
		manager.WithHistory(d.hist),
		manager.WithNotifier(notify.Multi{crashLog, d.events}),
	)

	d.collector = metrics.NewProcessCollector(metrics.ProcessMetricsConfig{
		Enabled:    c.Metrics.Enabled && c.Metrics.ProcessMetrics,
		Interval:   c.Metrics.Interval,
		MaxHistory: c.Metrics.MaxHistory,
	}, d.logger)

	if c.Watch.Schedule != "" {
		d.watcher, err = watch.New(d.mgr, c.Watch.Schedule, watch.WithLogger(d.logger))
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	}

	tlsConf, err := itls.SetupTLS(c.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	ropts := []iapi.Option{iapi.WithLogger(d.logger), iapi.WithEvents(d.events)}
	if d.collector.Enabled() {
		ropts = append(ropts, iapi.WithUsage(d.collector))
	}
	if d.watcher != nil {
		ropts = append(ropts, iapi.WithWatch(d.watcher))
	}
	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			ropts = append(ropts, iapi.WithMetrics(metrics.Handler()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			d.metricsSrv = iapi.NewServer(c.Metrics.Listen, mux, nil)
		}
	}
	d.srv = iapi.NewServer(c.Server.Listen, iapi.NewRouter(d.mgr, c.Server.BasePath, ropts...).Handler(), tlsConf)
	d.srv.RegisterOnShutdown(d.events.Close)
	return nil
}

func (d *Daemon) Manager() *manager.Manager { return d.mgr }

func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Events is the crash stream served at {base}/events.
func (d *Daemon) Events() *notify.Broadcaster { return d.events }

// Addr is the bound API address; nil before Start.
func (d *Daemon) Addr() net.Addr { return d.addr }

// Err delivers serve errors of the API listener.
func (d *Daemon) Err() <-chan error { return d.errCh }

// Start registers metrics, binds the listeners and starts the background
// samplers.
func (d *Daemon) Start() error {
	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.logger.Warn("register metrics", "error", err)
		}
		if err := d.collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			d.logger.Warn("register process metrics", "error", err)
		}
	}

	addr, errCh, err := iapi.Start(d.srv)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.srv.Addr, err)
	}
	d.addr, d.errCh = addr, errCh

	if d.metricsSrv != nil {
		maddr, merr, err := iapi.Start(d.metricsSrv)
		if err != nil {
			_ = d.srv.Close()
			return fmt.Errorf("listen metrics %s: %w", d.metricsSrv.Addr, err)
		}
		go func() {
			for err := range merr {
				d.logger.Error("metrics server", "error", err)
			}
		}()
		d.logger.Info("metrics listening", "addr", maddr.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.collector.Start(ctx, d.mgr.Registry().PIDs)
	if d.watcher != nil {
		d.watcher.Start()
	}

	scheme := "http"
	if d.srv.TLSConfig != nil {
		scheme = "https"
	}
	d.logger.Info("extmgr listening",
		"url", fmt.Sprintf("%s://%s%s", scheme, addr, d.cfg.Server.BasePath),
		"extensions_dir", d.cfg.ExtensionsDir)
	return nil
}

// Run starts the daemon and blocks until ctx is done or the API listener
// fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-d.errCh:
		if ok {
			serveErr = err
		}
	}
	d.Shutdown(context.Background())
	return serveErr
}

// Shutdown stops accepting requests, ends event streams, stops the samplers,
// kills every running extension and flushes history sinks. It runs once.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutting down")
		if d.addr != nil {
			if err := iapi.Shutdown(d.srv, DefaultShutdownTimeout); err != nil {
				d.logger.Warn("api shutdown", "error", err)
			}
		}
		d.events.Close()
		if d.metricsSrv != nil {
			_ = iapi.Shutdown(d.metricsSrv, DefaultShutdownTimeout)
		}
		if d.watcher != nil {
			if err := d.watcher.Stop(ctx); err != nil {
				d.logger.Warn("watch stop", "error", err)
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.collector.Stop()
		d.mgr.Shutdown()
		if err := d.hist.Close(); err != nil {
			d.logger.Warn("close history sinks", "error", err)
		}
		_ = d.logCloser.Close()
	})
}
