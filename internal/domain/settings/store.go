// Package settings provides the process-wide settings store consulted by
// the request middleware. Values are keyed by dotted paths, e.g.
// "governance.workingSet.enforcementEnabled".
package settings

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a thread-safe key/value settings store. Middleware never reads
// it directly on the hot path: the settings-snapshot middleware takes a
// Snapshot once per request so downstream validators see a stable view.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	logger *slog.Logger
}

// NewStore creates an empty settings store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		values: make(map[string]any),
		logger: logger,
	}
}

// LoadFile merges a YAML settings file into the store. Nested mappings
// are flattened into dotted keys. A missing file is not an error: the
// store simply stays empty.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no settings file", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	flat := make(map[string]any)
	flatten("", raw, flat)

	s.mu.Lock()
	for k, v := range flat {
		s.values[k] = v
	}
	s.mu.Unlock()

	s.logger.Info("settings loaded", "path", path, "keys", len(flat))
	return nil
}

// flatten walks nested string-keyed mappings, joining keys with dots.
// Leaves (scalars, sequences, non-string-keyed maps) are stored as-is.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// Get returns the value for key and whether it is present.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a shallow copy of all settings.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.values))
	for k, v := range s.values {
		snap[k] = v
	}
	return snap
}

// Snapshot is a point-in-time view of the settings store. The typed
// accessors below keep call sites from doing ad-hoc type assertions.
type Snapshot map[string]any

// Bool returns the boolean value for key, false when absent or not a bool.
func (s Snapshot) Bool(key string) bool {
	v, ok := s[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String returns the string value for key, "" when absent or not a string.
func (s Snapshot) String(key string) string {
	v, ok := s[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// StringSlice returns the string-slice value for key. The second return
// distinguishes an absent key from a present-but-empty list, which
// matters for override semantics.
func (s Snapshot) StringSlice(key string) ([]string, bool) {
	v, ok := s[key]
	if !ok {
		return nil, false
	}
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...), true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
