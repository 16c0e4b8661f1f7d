package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/extmgr/internal/exterr"
	"github.com/loykin/extmgr/internal/logger"
	"github.com/loykin/extmgr/internal/manager"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/process"
	"github.com/loykin/extmgr/internal/registry"
	"github.com/loykin/extmgr/internal/store"
)

type testEnv struct {
	h      http.Handler
	mgr    *manager.Manager
	events *notify.Broadcaster
}

func setupRouter(t *testing.T, base string, opts ...Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Discard()
	events := notify.NewBroadcaster(4)
	mgr := manager.New(
		store.New(filepath.Join(t.TempDir(), "Extensions")),
		registry.New(registry.WithLogger(log)),
		manager.WithLogger(log),
		manager.WithNotifier(events),
	)
	t.Cleanup(mgr.Shutdown)
	opts = append([]Option{WithLogger(log), WithEvents(events)}, opts...)
	return &testEnv{h: NewRouter(mgr, base, opts...).Handler(), mgr: mgr, events: events}
}

func doReq(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func extPath(base, id string, suffix string) string {
	return base + "/extensions/" + url.PathEscape(id) + suffix
}

func multipartBody(t *testing.T, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealth(t *testing.T) {
	env := setupRouter(t, "/api")
	rec := doReq(t, env.h, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","tracked":[],"events":{"subscribers":0,"dropped":0}}`, rec.Body.String())
}

type fakeWatch struct {
	ticks uint64
	last  time.Time
	next  time.Time
}

func (f fakeWatch) Ticks() uint64      { return f.ticks }
func (f fakeWatch) LastRun() time.Time { return f.last }
func (f fakeWatch) Next() time.Time    { return f.next }

func TestHealthReportsWatchAndEvents(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := setupRouter(t, "/api", WithWatch(fakeWatch{ticks: 7, last: last, next: last.Add(5 * time.Second)}))

	_, cancel := env.events.Subscribe()
	defer cancel()
	// nobody drains the subscription, so deliveries past the buffer are dropped
	for i := 0; i < 6; i++ {
		env.events.Notify(notify.Crash{ID: "x.bin"})
	}

	rec := doReq(t, env.h, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h healthResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	require.NotNil(t, h.Watch)
	assert.Equal(t, uint64(7), h.Watch.Ticks)
	require.NotNil(t, h.Watch.LastRun)
	assert.True(t, last.Equal(*h.Watch.LastRun))
	require.NotNil(t, h.Watch.Next)
	assert.True(t, last.Add(5*time.Second).Equal(*h.Watch.Next))
	require.NotNil(t, h.Events)
	assert.Equal(t, 1, h.Events.Subscribers)
	assert.Equal(t, uint64(2), h.Events.Dropped)
}

func TestHealthOmitsUnsetWatchTimes(t *testing.T) {
	env := setupRouter(t, "/api", WithWatch(fakeWatch{}))
	rec := doReq(t, env.h, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"watch":{"ticks":0}`)
}

func TestListEmpty(t *testing.T) {
	env := setupRouter(t, "api/")
	rec := doReq(t, env.h, http.MethodGet, "/api/extensions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestInstallMultipartAndList(t *testing.T) {
	env := setupRouter(t, "/api")
	body, ct := multipartBody(t, "Foo - 1.0.exe", []byte("x"))
	rec := doReq(t, env.h, http.MethodPost, "/api/extensions", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"Foo - 1.0.exe","replaced":[]}`, rec.Body.String())

	body, ct = multipartBody(t, "Foo - 2.0.exe", []byte("y"))
	rec = doReq(t, env.h, http.MethodPost, "/api/extensions", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res installResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Replaced, 1)
	assert.Equal(t, "Foo - 1.0.exe", res.Replaced[0].ID)

	rec = doReq(t, env.h, http.MethodGet, "/api/extensions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"Foo - 2.0.exe","name":"Foo","version":"2.0","is_running":false}]`, rec.Body.String())
}

func TestInstallRawBody(t *testing.T) {
	env := setupRouter(t, "")
	rec := doReq(t, env.h, http.MethodPost, "/extensions?name="+url.QueryEscape("Bar - 3.bin"),
		strings.NewReader("payload"), "application/octet-stream")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, env.h, http.MethodGet, extPath("", "Bar - 3.bin", ""), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st manager.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "Bar", st.Name)
	assert.Equal(t, "3", st.Version)
	assert.False(t, st.Running)
}

func TestInstallBadRequests(t *testing.T) {
	env := setupRouter(t, "/api")

	rec := doReq(t, env.h, http.MethodPost, "/api/extensions", strings.NewReader("x"), "application/octet-stream")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, env.h, http.MethodPost, "/api/extensions?name=..", strings.NewReader("x"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid extension name")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("name", "x.bin"))
	require.NoError(t, w.Close())
	rec = doReq(t, env.h, http.MethodPost, "/api/extensions", &buf, w.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstallTooLarge(t *testing.T) {
	env := setupRouter(t, "/api", WithMaxUpload(4))
	rec := doReq(t, env.h, http.MethodPost, "/api/extensions?name=big.bin", strings.NewReader("0123456789"), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestNotFoundMapping(t *testing.T) {
	env := setupRouter(t, "/api")
	rec := doReq(t, env.h, http.MethodGet, extPath("/api", "Nope - 1.bin", ""), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "Nope - 1.bin")

	rec = doReq(t, env.h, http.MethodPost, extPath("/api", "Nope - 1.bin", "/run"), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopAndDeleteAbsentAreOK(t *testing.T) {
	env := setupRouter(t, "/api")
	rec := doReq(t, env.h, http.MethodPost, extPath("/api", "ghost.bin", "/stop"), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, env.h, http.MethodDelete, extPath("/api", "ghost.bin", ""), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(exterr.NotFound("x")))
	assert.Equal(t, http.StatusConflict, statusFor(exterr.AlreadyRunning("x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(exterr.InvalidName("..", "reserved")))
	assert.Equal(t, http.StatusBadRequest, statusFor(badRequest("missing")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(exterr.Spawn("x", errors.New("exec format error"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(exterr.Kill("x", errors.New("eperm"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(exterr.IO("write", "/tmp/x", errors.New("disk full"))))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("status: %w", exterr.NotFound("x"))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(&http.MaxBytesError{Limit: 4}))
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.Equal(t, "/a/b", sanitizeBase(" /a/b/ "))
}

func TestMetricsMounted(t *testing.T) {
	env := setupRouter(t, "/api", WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "extmgr_extension_running 0\n")
	})))
	rec := doReq(t, env.h, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "extmgr_extension_running")
}

func TestEventsStream(t *testing.T) {
	env := setupRouter(t, "/api", WithHeartbeat(50*time.Millisecond))
	srv := httptest.NewServer(env.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return env.events.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.events.Notify(notify.Crash{
		ID: "Boom - 1.bin", Name: "Boom",
		Message: "Extension 'Boom' exited with an error.",
		Exit:    process.Exit{Code: 2, Desc: "exit status 2"},
	})

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") && event == "crash" {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	require.Equal(t, "crash", event)
	var got notify.Crash
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "Boom - 1.bin", got.ID)
	assert.Equal(t, 2, got.Exit.Code)
}

func TestStartAndShutdown(t *testing.T) {
	env := setupRouter(t, "/api")
	srv := NewServer("127.0.0.1:0", env.h, nil)
	addr, errCh, err := Start(srv)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, Shutdown(srv, time.Second))
	_, open := <-errCh
	assert.False(t, open)

	_, _, err = Start(NewServer("256.0.0.1:1", env.h, nil))
	assert.Error(t, err)
}
