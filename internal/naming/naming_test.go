package naming

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseNameAndVersion(t *testing.T) {
	cases := []struct {
		file, base, version string
	}{
		{"Foo - 1.0.exe", "Foo", "1.0"},
		{"My Extension - v1.0.0.bin", "My Extension", "v1.0.0"},
		{"Tool - Pro - 2.1.sh", "Tool - Pro", "2.1"},
		{"Plain.bin", "Plain", UnknownVersion},
		{"  Spaced  -  3 .app", "Spaced", "3"},
		{"noext", "noext", UnknownVersion},
		{".bin", ".bin", UnknownVersion},
		{"", "", UnknownVersion},
	}
	for _, c := range cases {
		t.Run(c.file, func(t *testing.T) {
			assert.Equal(t, c.base, BaseName(c.file))
			assert.Equal(t, c.version, Version(c.file))
		})
	}
}

func TestRoundTripWithSeparator(t *testing.T) {
	files := []string{
		"A - 1.bin",
		"Foo - 1.0.exe",
		"Tool - Pro - 2.1.sh",
		"x - y - z - 0.0.1-rc1.app",
	}
	for _, f := range files {
		s := strings.TrimSuffix(f, filepath.Ext(f))
		assert.Equal(t, s, BaseName(f)+Separator+Version(f), f)
	}
}

func TestNoSeparatorFallsBackToStem(t *testing.T) {
	for _, f := range []string{"runner.exe", "daemon", "a.b.c"} {
		assert.Equal(t, UnknownVersion, Version(f))
		assert.Equal(t, strings.TrimSuffix(f, filepath.Ext(f)), BaseName(f))
	}
}

func TestBuild(t *testing.T) {
	assert.Equal(t, "Foo - 1.0.exe", Build("Foo", "1.0", "exe"))
	assert.Equal(t, "Foo - 1.0.exe", Build("Foo", "1.0", ".exe"))
	assert.Equal(t, "Foo.bin", Build("Foo", UnknownVersion, ".bin"))
	assert.Equal(t, "Foo", Build("Foo", "", ""))
	f := Build("Bar", "2.3.4", ".bin")
	assert.Equal(t, "Bar", BaseName(f))
	assert.Equal(t, "2.3.4", Version(f))
}

func TestCompareAndClassify(t *testing.T) {
	c, ok := Compare("1.0.0", "v1.2.0")
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	_, ok = Compare(UnknownVersion, "1.0")
	assert.False(t, ok)

	assert.Equal(t, ChangeUpgrade, Classify("1.0", "2.0"))
	assert.Equal(t, ChangeDowngrade, Classify("v2.0.0", "1.9.9"))
	assert.Equal(t, ChangeReinstall, Classify("1.0", "1.0"))
	assert.Equal(t, ChangeReinstall, Classify("1.0", "v1.0.0"))
	assert.Equal(t, ChangeUnknown, Classify("beta", "gamma"))
}
