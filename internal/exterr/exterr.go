// Package exterr defines the error kinds surfaced by extension operations.
package exterr

import (
	"errors"
	"strings"
)

// Kinds. Match them with errors.Is.
var (
	ErrIO             = errors.New("io error")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("already running")
	ErrSpawn          = errors.New("spawn failed")
	ErrKill           = errors.New("kill failed")
	ErrInvalidName    = errors.New("invalid extension name")
)

// Error carries the kind of failure along with the operation, the extension
// identifier and, for filesystem failures, the offending path.
type Error struct {
	Kind error
	Op   string
	ID   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.ID != "" {
		b.WriteString(" '")
		b.WriteString(e.ID)
		b.WriteString("'")
	}
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IO wraps a filesystem failure on path.
func IO(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

func NotFound(id string) error {
	return &Error{Kind: ErrNotFound, Op: "extension not found", ID: id}
}

func AlreadyRunning(id string) error {
	return &Error{Kind: ErrAlreadyRunning, Op: "extension already running", ID: id}
}

func Spawn(id string, err error) error {
	return &Error{Kind: ErrSpawn, Op: "failed to spawn extension", ID: id, Err: err}
}

func Kill(id string, err error) error {
	return &Error{Kind: ErrKill, Op: "failed to kill extension", ID: id, Err: err}
}

func InvalidName(name, reason string) error {
	return &Error{Kind: ErrInvalidName, Op: "invalid extension name", ID: name, Err: errors.New(reason)}
}

// KindOf returns the first kind matched by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrAlreadyRunning, ErrInvalidName, ErrSpawn, ErrKill, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
