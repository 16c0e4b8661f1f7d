package logger

import (
	"io"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings shared by the daemon log and extension output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// OutputConfig describes where extension stdout/stderr go.
// With an empty Dir output is discarded.
// Files are Dir/<id>.stdout.log and Dir/<id>.stderr.log, rotated with
// lumberjack semantics.
type OutputConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Enabled reports whether output capture is configured.
func (c OutputConfig) Enabled() bool { return c.Dir != "" }

// Writers returns rotating writers for the stdout and stderr of extension id.
// Both are nil when capture is disabled.
func (c OutputConfig) Writers(id string) (stdout io.WriteCloser, stderr io.WriteCloser) {
	if !c.Enabled() {
		return nil, nil
	}
	name := fileSafe(id)
	return c.rotating(filepath.Join(c.Dir, name+".stdout.log")),
		c.rotating(filepath.Join(c.Dir, name+".stderr.log"))
}

func (c OutputConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// fileSafe keeps identifiers usable as file names; spaces are fine, separators are not.
func fileSafe(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(id)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
