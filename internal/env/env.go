// Package env composes the environment handed to extension processes.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables in order: OS environment (when enabled), files, then
// explicit values. It is immutable once built; With returns a copy.
type Env struct {
	useOS bool
	vars  Var
}

func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(Var)}
}

// With returns a copy of e with kvs ("KEY=VALUE") applied on top.
// Malformed entries and empty keys are skipped.
func (e *Env) With(kvs ...string) *Env {
	n := &Env{useOS: e.useOS, vars: make(Var, len(e.vars)+len(kvs))}
	for k, v := range e.vars {
		n.vars[k] = v
	}
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			n.vars[k] = v
		}
	}
	return n
}

// WithFiles applies .env files in order.
func (e *Env) WithFiles(paths ...string) (*Env, error) {
	out := e
	for _, p := range paths {
		kvs, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = out.With(kvs...)
	}
	return out, nil
}

// Merge returns the final environment with extra applied last. $VAR and
// ${VAR} references are expanded against the composed map, one level deep.
// The result is sorted by key.
func (e *Env) Merge(extra ...string) []string {
	m := make(Var)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// LoadFile parses KEY=VALUE lines. Blank lines and lines starting with # are
// ignored; no quoting or export syntax.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
