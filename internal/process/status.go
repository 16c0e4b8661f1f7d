package process

import "time"

// State is the outcome of a non-blocking poll.
type State int

const (
	StateNotTracked State = iota
	StateRunning
	StateExitedOk
	StateExitedError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExitedOk:
		return "exited_ok"
	case StateExitedError:
		return "exited_error"
	default:
		return "not_tracked"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Exited reports whether s is one of the exited states.
func (s State) Exited() bool { return s == StateExitedOk || s == StateExitedError }

// Exit describes how a process ended. Code is -1 when it was killed by a signal.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Desc   string `json:"desc"`
}

// Status is a point-in-time view of a handle.
type Status struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	State       State     `json:"state"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	OSStartedAt time.Time `json:"os_started_at,omitempty"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`
	Exit        *Exit     `json:"exit,omitempty"`
}
