package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Extension is one installed extension as listed by the daemon.
type Extension struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Running bool   `json:"is_running"`
}

// Exit describes how a process ended.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Desc   string `json:"desc"`
}

// Sample is one CPU and memory reading of a running extension.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the detailed state of a single extension. Usage is present only
// when the daemon samples process metrics.
type Status struct {
	Extension
	State        string     `json:"state"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Exit         *Exit      `json:"exit,omitempty"`
	Usage        *Sample    `json:"usage,omitempty"`
	UsageHistory []Sample   `json:"usage_history,omitempty"`
}

// Health is the daemon's /health body.
type Health struct {
	Status  string   `json:"status"`
	Tracked []string `json:"tracked"`
	Watch   *struct {
		Ticks   uint64     `json:"ticks"`
		LastRun *time.Time `json:"last_run,omitempty"`
		Next    *time.Time `json:"next,omitempty"`
	} `json:"watch,omitempty"`
	Events *struct {
		Subscribers int    `json:"subscribers"`
		Dropped     uint64 `json:"dropped"`
	} `json:"events,omitempty"`
}

// Entry names an installed file.
type Entry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstallResult is returned by Install.
type InstallResult struct {
	ID       string  `json:"id"`
	Replaced []Entry `json:"replaced"`
}

// Crash is a crash notification from the event stream.
type Crash struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Message    string    `json:"message"`
	Exit       Exit      `json:"exit"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrorResponse is the daemon's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsAlreadyRunning reports whether err is a 409 from the daemon.
func IsAlreadyRunning(err error) bool { return statusIs(err, http.StatusConflict) }
