package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	installs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "installs_total",
		Help:      "Number of successful extension installs.",
	})
	starts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "starts_total",
		Help:      "Number of successful extension starts.",
	})
	stops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "stops_total",
		Help:      "Number of explicit stops.",
	})
	deletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "deletes_total",
		Help:      "Number of extension deletions.",
	})
	crashes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "crashes_total",
		Help:      "Number of observed unsuccessful exits.",
	}, []string{"name"})
	exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "exits_total",
		Help:      "Number of observed exits by result (ok|error).",
	}, []string{"name", "result"})
	running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "extmgr",
		Subsystem: "extension",
		Name:      "running",
		Help:      "Extensions currently tracked as running.",
	})
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{installs, starts, stops, deletes, crashes, exits, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncInstall() {
	if regOK.Load() {
		installs.Inc()
	}
}

func IncStart() {
	if regOK.Load() {
		starts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		stops.Inc()
	}
}

func IncDelete() {
	if regOK.Load() {
		deletes.Inc()
	}
}

// ObserveExit counts an exit seen during reconciliation; failures also count
// as crashes.
func ObserveExit(name string, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
		crashes.WithLabelValues(name).Inc()
	}
	exits.WithLabelValues(name, result).Inc()
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}
