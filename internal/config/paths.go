package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultBaseDir = ".parley"

// Paths holds resolved filesystem paths for parley data.
type Paths struct {
	Base   string // ~/.parley
	Config string // ~/.parley/config.yaml
	Env    string // ~/.parley/.env
	Data   string // ~/.parley/data
}

// ResolvePaths computes the standard paths. PARLEY_HOME overrides the base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("PARLEY_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Env:    filepath.Join(base, ".env"),
		Data:   filepath.Join(base, "data"),
	}, nil
}

// unsafePathChars are replaced when a peer id becomes a directory name.
var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

// HistoryFor is the history database of the local identity peer. Each
// identity gets its own file so that several peers run from one home
// never share conversations.
func (p Paths) HistoryFor(peer string) string {
	dir := unsafePathChars.ReplaceAllString(peer, "_")
	if dir == "" || strings.Trim(dir, ".") == "" {
		return filepath.Join(p.Data, "history.db")
	}
	return filepath.Join(p.Data, dir, "history.db")
}

// EnsureDirs creates the base and data directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Data} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// configKey matches one segment of a config path: a YAML key as written in
// config.yaml (camelCase, optionally with digits, '_' or '-').
var configKey = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ParseConfigPath splits a dot-separated config path such as "relay.url"
// into segments.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if !configKey.MatchString(p) {
			return nil, &ConfigError{Message: "config path contains invalid key: " + p}
		}
	}
	return parts, nil
}

// GetValueAtPath traverses a nested map using the given path segments.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	current := any(root)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath sets a value in a nested map, creating intermediate maps as needed.
func SetValueAtPath(root map[string]any, path []string, value any) {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		m, ok := next.(map[string]any)
		if !ok {
			m = map[string]any{}
			current[key] = m
		}
		current = m
	}
	current[path[len(path)-1]] = value
}

// UnsetValueAtPath removes a value at the given path. Returns true if removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			return false
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false
		}
		current = m
	}
	last := path[len(path)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}
