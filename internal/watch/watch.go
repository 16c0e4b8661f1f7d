// Package watch periodically reconciles installed extensions so crash
// notifications are delivered even when no client is listing.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/extmgr/internal/manager"
)

// DefaultSchedule reconciles every five seconds.
const DefaultSchedule = "@every 5s"

// Lister is the part of the manager the watcher drives.
type Lister interface {
	List(ctx context.Context) ([]manager.Descriptor, error)
}

// Watcher runs List on a cron schedule. A tick that fires while the previous
// one is still running is skipped.
type Watcher struct {
	lister   Lister
	schedule string
	logger   *slog.Logger
	timeout  time.Duration

	c       *cron.Cron
	entryID cron.EntryID
	ticks   atomic.Uint64
	last    atomic.Int64
}

type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTimeout bounds a single reconciliation pass.
func WithTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.timeout = d }
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is an accepted cron expression.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func New(l Lister, schedule string, opts ...Option) (*Watcher, error) {
	if l == nil {
		return nil, errors.New("watch: nil lister")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	w := &Watcher{lister: l, schedule: schedule, logger: slog.Default(), timeout: 30 * time.Second}
	for _, o := range opts {
		o(w)
	}
	cl := cronLogger{w.logger}
	w.c = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := w.c.AddFunc(schedule, func() { w.Tick(context.Background()) })
	if err != nil {
		return nil, err
	}
	w.entryID = id
	return w, nil
}

// Start begins scheduling in the background.
func (w *Watcher) Start() {
	w.c.Start()
	w.logger.Info("extension watch started", "schedule", w.schedule)
}

// Stop stops scheduling and waits for a running tick, bounded by ctx.
func (w *Watcher) Stop(ctx context.Context) error {
	done := w.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick performs one reconciliation pass.
func (w *Watcher) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	list, err := w.lister.List(ctx)
	w.ticks.Add(1)
	w.last.Store(time.Now().UnixNano())
	if err != nil {
		w.logger.Warn("extension watch pass failed", "error", err)
		return
	}
	running := 0
	for _, d := range list {
		if d.Running {
			running++
		}
	}
	w.logger.Debug("extension watch pass", "installed", len(list), "running", running)
}

// Ticks returns how many passes have completed.
func (w *Watcher) Ticks() uint64 { return w.ticks.Load() }

// LastRun returns when the last pass completed; zero if none has.
func (w *Watcher) LastRun() time.Time {
	n := w.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Next returns the next scheduled run once started.
func (w *Watcher) Next() time.Time { return w.c.Entry(w.entryID).Next }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
