// Package naming parses and builds extension file names of the form
// "<display name> - <version>.<ext>".
package naming

import (
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	// Separator delimits the display name from the version inside a file stem.
	// Only its last occurrence counts, so display names may contain it too.
	Separator = " - "
	// UnknownVersion is reported for file names without a separator.
	UnknownVersion = "unknown"
)

// stem strips the final extension. Names without a usable stem (e.g. ".bin")
// are returned unchanged.
func stem(filename string) string {
	s := strings.TrimSuffix(filename, filepath.Ext(filename))
	if s == "" {
		return filename
	}
	return s
}

// BaseName returns the logical extension name shared across versions.
func BaseName(filename string) string {
	s := stem(filename)
	if i := strings.LastIndex(s, Separator); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// Version returns the version part of filename or UnknownVersion.
func Version(filename string) string {
	s := stem(filename)
	if i := strings.LastIndex(s, Separator); i >= 0 {
		return strings.TrimSpace(s[i+len(Separator):])
	}
	return UnknownVersion
}

// Build joins a display name, version and extension (with or without the
// leading dot) into a file name. An empty or unknown version is omitted.
func Build(name, version, ext string) string {
	out := strings.TrimSpace(name)
	if v := strings.TrimSpace(version); v != "" && v != UnknownVersion {
		out += Separator + v
	}
	if ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out += ext
	}
	return out
}

// Compare compares two versions with semantic versioning rules, tolerating a
// leading "v". ok is false when either side is not a semantic version.
func Compare(a, b string) (cmp int, ok bool) {
	va, err := parse(a)
	if err != nil {
		return 0, false
	}
	vb, err := parse(b)
	if err != nil {
		return 0, false
	}
	return va.Compare(vb), true
}

func parse(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(v), "v"))
}

// Change classifies what installing a new version over an old one means.
type Change string

const (
	ChangeUpgrade   Change = "upgrade"
	ChangeDowngrade Change = "downgrade"
	ChangeReinstall Change = "reinstall"
	ChangeUnknown   Change = "unknown"
)

// Classify reports how newVer relates to oldVer.
func Classify(oldVer, newVer string) Change {
	if oldVer == newVer {
		return ChangeReinstall
	}
	c, ok := Compare(oldVer, newVer)
	switch {
	case !ok:
		return ChangeUnknown
	case c < 0:
		return ChangeUpgrade
	case c > 0:
		return ChangeDowngrade
	default:
		return ChangeReinstall
	}
}
