package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extmgr.log")
	l, closer, err := New(Config{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	l.Info("hello", "id", "Foo - 1.0.exe")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
	assert.Contains(t, string(b), `"id":"Foo - 1.0.exe"`)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestColorHandlerKeepsColorAfterWith(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil)).With("component", "registry")
	l.Warn("careful")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "careful")
	assert.Contains(t, out, "component=registry")
}

func TestOutputWriters(t *testing.T) {
	out, errW := OutputConfig{}.Writers("x")
	assert.Nil(t, out)
	assert.Nil(t, errW)

	dir := t.TempDir()
	out, errW = OutputConfig{Dir: dir}.Writers("Foo - 1.0.exe")
	require.NotNil(t, out)
	require.NotNil(t, errW)
	_, err := out.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "Foo - 1.0.exe.stdout.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "line"))
}
