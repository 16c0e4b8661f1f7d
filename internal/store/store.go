// Package store keeps installed extension binaries in a single directory and
// enforces that only one version of each extension is installed.
//
// Filesystem operations are not serialized: two concurrent installs of the
// same base name race and the last writer wins. Listing concurrently with an
// install or delete may or may not observe it.
package store

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/extmgr/internal/exterr"
	"github.com/loykin/extmgr/internal/naming"
)

// ExecMode is applied to installed files on platforms with permission bits.
const ExecMode fs.FileMode = 0o755

// Entry is one installed file.
type Entry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

func entryFor(id string) Entry {
	return Entry{ID: id, Name: naming.BaseName(id), Version: naming.Version(id)}
}

// InstallResult reports what an install changed.
type InstallResult struct {
	ID       string  `json:"id"`
	Replaced []Entry `json:"replaced,omitempty"`
}

type Store struct {
	dir    string
	logger *slog.Logger
	chmod  bool
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a store rooted at dir. The directory is created lazily on the
// first install.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    filepath.Clean(dir),
		logger: slog.Default(),
		chmod:  runtime.GOOS != "windows",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// Path returns the location of id inside the store.
func (s *Store) Path(id string) string { return filepath.Join(s.dir, id) }

// ValidateName rejects names that are not a single plain path element.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return exterr.InvalidName(name, "empty name")
	case name == "." || name == "..":
		return exterr.InvalidName(name, "reserved name")
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return exterr.InvalidName(name, "name must not contain path separators")
	case filepath.Base(name) != name || filepath.IsAbs(name) || filepath.VolumeName(name) != "":
		return exterr.InvalidName(name, "name must be a plain file name")
	}
	return nil
}

// Install writes data as name, first removing every installed file that
// shares its base name (including an identical re-install). A failed removal
// aborts before the write; removals already done are not rolled back.
func (s *Store) Install(name string, data []byte) (InstallResult, error) {
	if err := ValidateName(name); err != nil {
		return InstallResult{}, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return InstallResult{}, exterr.IO("failed to create extensions directory", s.dir, err)
	}

	res := InstallResult{ID: name}
	base := naming.BaseName(name)
	ids, err := s.files()
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if naming.BaseName(id) != base {
			continue
		}
		p := s.Path(id)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, exterr.IO("failed to remove file", p, err)
		}
		s.logger.Debug("removed previous extension version", "id", id, "base", base)
		res.Replaced = append(res.Replaced, entryFor(id))
	}

	target := s.Path(name)
	if err := os.WriteFile(target, data, ExecMode); err != nil {
		return res, exterr.IO("failed to write extension file", target, err)
	}
	// WriteFile honors the umask; set the mode explicitly.
	if s.chmod {
		if err := os.Chmod(target, ExecMode); err != nil {
			return res, exterr.IO("failed to set permissions", target, err)
		}
	}
	return res, nil
}

// List returns one entry per regular file in directory order. A missing
// directory yields an empty list.
func (s *Store) List() ([]Entry, error) {
	ids, err := s.files()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, entryFor(id))
	}
	return out, nil
}

// Delete removes id; removing a missing file is not an error.
func (s *Store) Delete(id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	p := s.Path(id)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return exterr.IO("failed to delete file", p, err)
	}
	return nil
}

// Exists reports whether id is an installed regular file.
func (s *Store) Exists(id string) bool {
	if ValidateName(id) != nil {
		return false
	}
	fi, err := os.Stat(s.Path(id))
	return err == nil && fi.Mode().IsRegular()
}

// files lists names of regular files (symlinks are followed).
func (s *Store) files() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, exterr.IO("failed to read extensions directory", s.dir, err)
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() {
			out = append(out, de.Name())
			continue
		}
		if de.Type()&fs.ModeSymlink != 0 {
			if fi, err := os.Stat(s.Path(de.Name())); err == nil && fi.Mode().IsRegular() {
				out = append(out, de.Name())
			}
		}
	}
	return out, nil
}
