package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/extmgr/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh on Unix-like systems")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func TestStartPollRunningThenExitOk(t *testing.T) {
	requireUnix(t)
	p := writeScript(t, t.TempDir(), "ok - 1.sh", "sleep 0.2")
	h, err := Start(Options{ID: "ok - 1.sh", Path: p})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st, _ := h.Poll(); st != StateRunning {
		t.Fatalf("expected running right after start, got %v", st)
	}
	if h.PID() <= 0 {
		t.Fatalf("pid not recorded")
	}
	if !h.WaitFor(3 * time.Second) {
		t.Fatalf("process did not exit in time")
	}
	st, ex := h.Poll()
	if st != StateExitedOk || ex.Code != 0 {
		t.Fatalf("expected exited_ok, got %v %+v", st, ex)
	}
}

func TestExitErrorCarriesCode(t *testing.T) {
	requireUnix(t)
	p := writeScript(t, t.TempDir(), "bad.sh", "exit 3")
	h, err := Start(Options{ID: "bad.sh", Path: p})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.WaitFor(3 * time.Second) {
		t.Fatalf("process did not exit in time")
	}
	st, ex := h.Poll()
	if st != StateExitedError || ex.Code != 3 {
		t.Fatalf("expected exited_error code 3, got %v %+v", st, ex)
	}
	if !strings.Contains(ex.Desc, "3") {
		t.Fatalf("desc should mention exit code: %q", ex.Desc)
	}
}

func TestKillTerminatesAndReportsSignal(t *testing.T) {
	requireUnix(t)
	p := writeScript(t, t.TempDir(), "long.sh", "sleep 30")
	h, err := Start(Options{ID: "long.sh", Path: p})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !h.WaitFor(3 * time.Second) {
		t.Fatalf("process not reaped after kill")
	}
	st, ex := h.Poll()
	if st != StateExitedError {
		t.Fatalf("killed process should be exited_error, got %v", st)
	}
	if ex.Signal != "killed" || ex.Code != -1 {
		t.Fatalf("expected SIGKILL exit, got %+v", ex)
	}
	// a second kill after exit is a no-op
	if err := h.Kill(); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := Start(Options{ID: "nope", Path: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatalf("expected error for missing executable")
	}
}

func TestOutputCaptureAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	p := writeScript(t, dir, "echo.sh", "echo \"hello $GREETING\"\necho oops 1>&2")
	h, err := Start(Options{
		ID:     "echo.sh",
		Path:   p,
		Env:    []string{"GREETING=world", "PATH=/usr/bin:/bin"},
		Output: logger.OutputConfig{Dir: logs},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.WaitFor(3 * time.Second) {
		t.Fatalf("process did not exit in time")
	}
	out, err := os.ReadFile(filepath.Join(logs, "echo.sh.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if !strings.Contains(string(out), "hello world") {
		t.Fatalf("stdout missing env value: %q", out)
	}
	errOut, err := os.ReadFile(filepath.Join(logs, "echo.sh.stderr.log"))
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if !strings.Contains(string(errOut), "oops") {
		t.Fatalf("stderr not captured: %q", errOut)
	}
}

func TestSnapshot(t *testing.T) {
	requireUnix(t)
	p := writeScript(t, t.TempDir(), "snap.sh", "sleep 30")
	h, err := Start(Options{ID: "snap.sh", Path: p})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s := h.Snapshot()
	if !s.Running || s.PID != h.PID() || s.Exit != nil || s.StartedAt.IsZero() {
		t.Fatalf("unexpected running snapshot: %+v", s)
	}
	_ = h.Kill()
	h.WaitFor(3 * time.Second)
	s = h.Snapshot()
	if s.Running || s.Exit == nil || s.StoppedAt.IsZero() {
		t.Fatalf("unexpected stopped snapshot: %+v", s)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNotTracked:  "not_tracked",
		StateRunning:     "running",
		StateExitedOk:    "exited_ok",
		StateExitedError: "exited_error",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Fatalf("%d: got %q want %q", st, st.String(), want)
		}
	}
	if !StateExitedOk.Exited() || StateRunning.Exited() {
		t.Fatalf("Exited() wrong")
	}
}
