package manager

import (
	"time"

	"github.com/loykin/extmgr/internal/naming"
	"github.com/loykin/extmgr/internal/process"
)

// Descriptor is the derived, display-facing view of one installed extension.
type Descriptor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Running bool   `json:"is_running"`
}

func describe(id string, running bool) Descriptor {
	return Descriptor{
		ID:      id,
		Name:    naming.BaseName(id),
		Version: naming.Version(id),
		Running: running,
	}
}

// Status extends a Descriptor with process details for a single extension.
type Status struct {
	Descriptor
	State     process.State `json:"state"`
	PID       int           `json:"pid,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Exit      *process.Exit `json:"exit,omitempty"`
}
