package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/extmgr/internal/manager"
	"github.com/loykin/extmgr/internal/metrics"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/store"
)

// DefaultMaxUpload caps the size of an uploaded extension.
const DefaultMaxUpload int64 = 256 << 20

// Router provides embeddable HTTP handlers for managing extensions.
// Endpoints, relative to basePath:
//
//	GET    /extensions            list descriptors
//	POST   /extensions            install (multipart "file", or raw body with ?name=)
//	GET    /extensions/:id        status of one extension (?history=true adds usage samples)
//	POST   /extensions/:id/run
//	POST   /extensions/:id/stop
//	DELETE /extensions/:id
//	GET    /events                crash notifications as server-sent events
//	GET    /health
//
// /metrics is mounted at the root when a metrics handler is configured.
type Router struct {
	mgr       *manager.Manager
	basePath  string
	events    *notify.Broadcaster
	metrics   http.Handler
	usage     UsageSource
	watch     WatchInfo
	logger    *slog.Logger
	maxUpload int64
	heartbeat time.Duration
}

// UsageSource supplies sampled CPU and memory readings per extension.
type UsageSource interface {
	Latest(id string) (metrics.Sample, bool)
	History(id string) []metrics.Sample
}

// WatchInfo describes the background reconciliation schedule.
type WatchInfo interface {
	Ticks() uint64
	LastRun() time.Time
	Next() time.Time
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEvents enables the /events stream backed by b.
func WithEvents(b *notify.Broadcaster) Option {
	return func(r *Router) { r.events = b }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// WithUsage adds resource samples to extension status responses.
func WithUsage(u UsageSource) Option {
	return func(r *Router) { r.usage = u }
}

// WithWatch reports w in /health.
func WithWatch(w WatchInfo) Option {
	return func(r *Router) { r.watch = w }
}

func WithMaxUpload(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxUpload = n
		}
	}
}

// WithHeartbeat sets the keep-alive comment interval on /events.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *manager.Manager, basePath string, opts ...Option) *Router {
	r := &Router{
		mgr:       mgr,
		basePath:  sanitizeBase(basePath),
		logger:    slog.Default(),
		maxUpload: DefaultMaxUpload,
		heartbeat: 15 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/extensions", r.handleList)
	group.POST("/extensions", r.handleInstall)
	group.GET("/extensions/:id", r.handleStatus)
	group.POST("/extensions/:id/run", r.handleRun)
	group.POST("/extensions/:id/stop", r.handleStop)
	group.DELETE("/extensions/:id", r.handleDelete)
	if r.events != nil {
		group.GET("/events", r.handleEvents)
	}
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type watchHealth struct {
	Ticks   uint64     `json:"ticks"`
	LastRun *time.Time `json:"last_run,omitempty"`
	Next    *time.Time `json:"next,omitempty"`
}

type eventsHealth struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

type healthResp struct {
	Status  string        `json:"status"`
	Tracked []string      `json:"tracked"`
	Watch   *watchHealth  `json:"watch,omitempty"`
	Events  *eventsHealth `json:"events,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := healthResp{Status: "ok", Tracked: r.mgr.Registry().IDs()}
	if r.watch != nil {
		resp.Watch = &watchHealth{
			Ticks:   r.watch.Ticks(),
			LastRun: optTime(r.watch.LastRun()),
			Next:    optTime(r.watch.Next()),
		}
	}
	if r.events != nil {
		resp.Events = &eventsHealth{Subscribers: r.events.Subscribers(), Dropped: r.events.Dropped()}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.mgr.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

type installResp struct {
	ID       string        `json:"id"`
	Replaced []store.Entry `json:"replaced"`
}

func (r *Router) handleInstall(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.maxUpload)

	name, data, err := r.readUpload(c)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.mgr.Install(c.Request.Context(), name, data)
	if err != nil {
		writeError(c, err)
		return
	}
	replaced := res.Replaced
	if replaced == nil {
		replaced = []store.Entry{}
	}
	writeJSON(c, http.StatusCreated, installResp{ID: res.ID, Replaced: replaced})
}

// readUpload extracts the target file name and content from either a
// multipart form or a raw body.
func (r *Router) readUpload(c *gin.Context) (string, []byte, error) {
	mt, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if mt == "multipart/form-data" {
		fh, err := c.FormFile("file")
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return "", nil, err
			}
			return "", nil, badRequest("multipart field \"file\" is required")
		}
		name := c.PostForm("name")
		if name == "" {
			name = fh.Filename
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		return name, data, err
	}

	name := c.Query("name")
	if strings.TrimSpace(name) == "" {
		return "", nil, badRequest("query parameter \"name\" is required")
	}
	data, err := io.ReadAll(c.Request.Body)
	return name, data, err
}

type statusResp struct {
	manager.Status
	Usage        *metrics.Sample  `json:"usage,omitempty"`
	UsageHistory []metrics.Sample `json:"usage_history,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := r.mgr.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := statusResp{Status: st}
	if r.usage != nil && st.Running {
		if s, ok := r.usage.Latest(id); ok {
			resp.Usage = &s
		}
		if wantHistory(c.Query("history")) {
			resp.UsageHistory = r.usage.History(id)
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func wantHistory(q string) bool {
	switch strings.ToLower(q) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (r *Router) handleRun(c *gin.Context) {
	if err := r.mgr.Run(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.mgr.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.events.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	tick := time.NewTicker(r.heartbeat)
	defer tick.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case cr, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("crash", cr)
			return true
		case <-tick.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
}

// NewServer builds an http.Server for handler. WriteTimeout stays zero so
// the event stream is not cut off.
func NewServer(addr string, handler http.Handler, tlsConf *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

// Start binds srv.Addr and serves in the background. Bind errors are
// returned directly; later serve errors arrive on the channel, which is
// closed when serving stops.
func Start(srv *http.Server) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return ln.Addr(), errCh, nil
}

// Shutdown stops srv gracefully, bounded by timeout, and closes any
// connections still open after it.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}
