package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/extmgr/internal/logger"
	"github.com/loykin/extmgr/internal/manager"
	"github.com/loykin/extmgr/internal/notify"
	"github.com/loykin/extmgr/internal/registry"
	"github.com/loykin/extmgr/internal/server"
	"github.com/loykin/extmgr/internal/store"
	"github.com/loykin/extmgr/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDaemon struct {
	url    string
	mgr    *manager.Manager
	events *notify.Broadcaster
}

func startDaemon(t *testing.T) *testDaemon {
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
	h := server.NewRouter(mgr, "/api",
		server.WithLogger(log), server.WithEvents(events), server.WithHeartbeat(50*time.Millisecond)).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		events.Close()
		srv.Close()
		mgr.Shutdown()
	})
	return &testDaemon{url: srv.URL + "/api", mgr: mgr, events: events}
}

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeExt(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot(&bytes.Buffer{})
	for _, name := range []string{"serve", "list", "install", "run", "stop", "delete", "status", "events"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, f := range []string{"config", "api-url", "api-timeout", "insecure", "ca-cert"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), f)
	}
}

func TestArgValidation(t *testing.T) {
	ctx := context.Background()
	_, err := execute(t, ctx, "run")
	assert.Error(t, err)
	_, err = execute(t, ctx, "list", "extra")
	assert.Error(t, err)
	_, err = execute(t, ctx, "install", "a", "b")
	assert.Error(t, err)
}

func TestInstallListStatusDelete(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()
	api := "--api-url=" + d.url

	out, err := execute(t, ctx, "install", writeExt(t, "Foo - 1.0.bin", "v1"), api)
	require.NoError(t, err)
	assert.Contains(t, out, "installed Foo - 1.0.bin")

	out, err = execute(t, ctx, "install", writeExt(t, "upload.bin", "v2"), "--name", "Foo - 2.0.bin", api)
	require.NoError(t, err)
	assert.Contains(t, out, "installed Foo - 2.0.bin")
	assert.Contains(t, out, "replaced Foo - 1.0.bin (version 1.0)")

	out, err = execute(t, ctx, "list", api)
	require.NoError(t, err)
	assert.Contains(t, out, "Foo - 2.0.bin")
	assert.Contains(t, out, "2.0")
	assert.NotContains(t, out, "Foo - 1.0.bin")

	out, err = execute(t, ctx, "list", "--json", api)
	require.NoError(t, err)
	var exts []client.Extension
	require.NoError(t, json.Unmarshal([]byte(out), &exts))
	require.Len(t, exts, 1)
	assert.Equal(t, "Foo", exts[0].Name)
	assert.False(t, exts[0].Running)

	out, err = execute(t, ctx, "status", "Foo - 2.0.bin", api)
	require.NoError(t, err)
	assert.Contains(t, out, "not_tracked")

	out, err = execute(t, ctx, "delete", "Foo - 2.0.bin", api)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted Foo - 2.0.bin")

	_, err = execute(t, ctx, "status", "Foo - 2.0.bin", api)
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestInstallName(t *testing.T) {
	assert.Equal(t, "Foo - 1.0.bin", installName("/tmp/Foo - 1.0.bin", InstallFlags{}))
	assert.Equal(t, "Bar - 2.bin", installName("/tmp/x", InstallFlags{Name: "Bar - 2.bin"}))
	assert.Equal(t, "Foo - 3.1.bin", installName("/tmp/Foo - 1.0.bin", InstallFlags{Version: "3.1"}))
	assert.Equal(t, "Tool - 0.2.exe", installName("dist/Tool.exe", InstallFlags{Version: "0.2"}))
	assert.Equal(t, "Bar - 9.bin", installName("/tmp/x", InstallFlags{Name: "Bar - 2.bin", Version: "9"}))
}

func TestInstallWithVersionOverCLI(t *testing.T) {
	d := startDaemon(t)
	ctx := context.Background()
	api := "--api-url=" + d.url

	out, err := execute(t, ctx, "install", writeExt(t, "Tool.bin", "v"), "--version", "1.2", api)
	require.NoError(t, err)
	assert.Contains(t, out, "installed Tool - 1.2.bin")

	out, err = execute(t, ctx, "status", "Tool - 1.2.bin", "--json", api)
	require.NoError(t, err)
	var st client.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "1.2", st.Version)
	assert.Nil(t, st.Usage)
}

func TestRunStopOverCLI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	d := startDaemon(t)
	ctx := context.Background()
	api := "--api-url=" + d.url

	_, err := execute(t, ctx, "install", writeExt(t, "Sleeper - 1.sh", "#!/bin/sh\nsleep 30\n"), api)
	require.NoError(t, err)

	out, err := execute(t, ctx, "run", "Sleeper - 1.sh", api)
	require.NoError(t, err)
	assert.Contains(t, out, "started Sleeper - 1.sh")

	_, err = execute(t, ctx, "run", "Sleeper - 1.sh", api)
	require.Error(t, err)
	assert.True(t, client.IsAlreadyRunning(err))

	out, err = execute(t, ctx, "status", "Sleeper - 1.sh", "--json", api)
	require.NoError(t, err)
	var st client.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Greater(t, st.PID, 0)

	out, err = execute(t, ctx, "stop", "Sleeper - 1.sh", api)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped Sleeper - 1.sh")
	assert.Equal(t, 0, d.mgr.Registry().Len())
}

// syncBuffer is written by the command goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEventsPrintsCrashes(t *testing.T) {
	d := startDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	root := buildRoot(out)
	root.SetArgs([]string{"events", "--api-url=" + d.url})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return d.events.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)
	d.events.Notify(notify.Crash{
		ID:         "Foo - 1.bin",
		Name:       "Foo",
		Message:    "Extension 'Foo' exited with an error. (exit status 3)",
		OccurredAt: time.Now(),
	})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Extension 'Foo' exited with an error.")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Foo - 1.bin")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("events command did not return")
	}
}

func TestResolveAPIUrl(t *testing.T) {
	u, err := resolveAPIUrl(GlobalFlags{APIUrl: "http://h:1/x"})
	require.NoError(t, err)
	assert.Equal(t, "http://h:1/x", u)

	u, err = resolveAPIUrl(GlobalFlags{})
	require.NoError(t, err)
	assert.Equal(t, defaultAPIUrl, u)

	p := filepath.Join(t.TempDir(), "extmgr.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \":9090\"\nbase_path = \"ext\"\n"), 0o600))
	u, err = resolveAPIUrl(GlobalFlags{ConfigPath: p})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9090/ext", u)

	_, err = resolveAPIUrl(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)
}

func TestDialHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1:80", dialHost(":80"))
	assert.Equal(t, "127.0.0.1:80", dialHost("0.0.0.0:80"))
	assert.Equal(t, "example.com:80", dialHost("example.com:80"))
	assert.Equal(t, "garbage", dialHost("garbage"))
}

func TestUnreachableDaemon(t *testing.T) {
	_, err := execute(t, context.Background(), "list", "--api-url=http://127.0.0.1:1/api", "--api-timeout=200ms")
	require.Error(t, err)
	assert.False(t, client.IsNotFound(err))
}
