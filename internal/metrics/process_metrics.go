package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one CPU/memory reading for a running extension.
type Sample struct {
	ID         string    `json:"id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []Sample
	start int
	count int
}

func (r *ring) add(s Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

func (r *ring) ordered() []Sample {
	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// ProcessCollector samples CPU and memory of running extensions with gopsutil
// and exports them as gauges labelled by extension id.
type ProcessCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int
	logger     *slog.Logger

	mu      sync.RWMutex
	history map[string]*ring
	handles map[string]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
}

func NewProcessCollector(cfg ProcessMetricsConfig, logger *slog.Logger) *ProcessCollector {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		logger:     logger,
		history:    make(map[string]*ring),
		handles:    make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "extmgr",
			Subsystem: "extension",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running extensions.",
		}, []string{"id"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "extmgr",
			Subsystem: "extension",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of running extensions.",
		}, []string{"id"}),
	}
}

func (c *ProcessCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the gauges; a disabled collector registers nothing.
func (c *ProcessCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ProcessCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ProcessCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one reading for each id and forgets ids no longer present.
func (c *ProcessCollector) Collect(pids map[string]int32) {
	now := time.Now()
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := c.sample(id, pid, now)
		if err != nil {
			c.logger.Debug("process sample failed", "id", id, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(id).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(id).Set(float64(s.MemoryRSS))

		c.mu.Lock()
		h, ok := c.history[id]
		if !ok {
			h = &ring{buf: make([]Sample, c.maxHistory)}
			c.history[id] = h
		}
		h.add(s)
		c.mu.Unlock()
	}
	c.forget(pids)
}

func (c *ProcessCollector) sample(id string, pid int32, now time.Time) (Sample, error) {
	c.mu.Lock()
	p, ok := c.handles[id]
	if !ok || p.Pid != pid {
		var err error
		p, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.handles[id] = p
	}
	c.mu.Unlock()

	// CPUPercent compares against the previous call on the same handle.
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := p.NumThreads()
	return Sample{
		ID:         id,
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  now,
	}, nil
}

func (c *ProcessCollector) forget(active map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.history {
		if _, ok := active[id]; !ok {
			delete(c.history, id)
			c.cpuPercent.DeleteLabelValues(id)
			c.memoryRSS.DeleteLabelValues(id)
		}
	}
	for id := range c.handles {
		if _, ok := active[id]; !ok {
			delete(c.handles, id)
		}
	}
}

// Latest returns the most recent sample for id.
func (c *ProcessCollector) Latest(id string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[id]
	if !ok {
		return Sample{}, false
	}
	return h.latest()
}

// History returns samples for id in chronological order.
func (c *ProcessCollector) History(id string) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.history[id]
	if !ok {
		return nil
	}
	return h.ordered()
}
