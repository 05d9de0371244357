// Package config manages the user-scoped configuration file that stores GPU
// provider API keys and the currently active provider name. Writes are
// atomic (write to a temp file, then rename) and the file is created with
// 0600 permissions since it holds secrets, the same defensive posture the
// teacher's kernel.Install takes around its own JSON config file (move the
// old version aside, write the new one, never leave a half-written file in
// place of the one callers expect).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Store is a single JSON document on disk holding provider API keys and the
// active provider selection. All reads and writes go through an in-process
// lock; the Provider Registry is the only process sharing one of these.
type Store struct {
	path string
	mu   sync.Mutex
}

// Data is the on-disk shape of the config file.
type Data struct {
	ActiveProvider string            `json:"active_provider"`
	APIKeys        map[string]string `json:"api_keys"`
}

// Open returns a Store bound to path, creating the parent directory if
// needed. It does not read the file yet; Load does that lazily.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create config directory for %q", path)
	}
	return &Store{path: path}, nil
}

// DefaultPath returns the conventional per-user config file location,
// honoring XDG_CONFIG_HOME when set.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nimbus", "providers.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "nimbus", "providers.json")
}

// Load reads the config file, returning a zero-value Data if it doesn't
// exist yet (first run).
func (s *Store) Load() (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Data, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Data{APIKeys: map[string]string{}}, nil
	}
	if err != nil {
		return Data{}, errors.Wrapf(err, "failed to read config %q", s.path)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, errors.Wrapf(err, "failed to parse config %q", s.path)
	}
	if d.APIKeys == nil {
		d.APIKeys = map[string]string{}
	}
	return d, nil
}

// Update reads the current config, applies fn, and writes the result back
// atomically. fn mutates d in place.
func (s *Store) Update(fn func(d *Data)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.load()
	if err != nil {
		return err
	}
	fn(&d)
	return s.write(d)
}

func (s *Store) write(d Data) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to encode config")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".providers-*.json.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp config file next to %q", s.path)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.WithMessage(err, "failed to write temp config file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.WithMessage(err, "failed to close temp config file")
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return errors.WithMessage(err, "failed to restrict config file permissions")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to replace config file %q", s.path)
	}
	return nil
}

// SetAPIKey stores an API key for a provider name.
func (s *Store) SetAPIKey(provider, key string) error {
	return s.Update(func(d *Data) { d.APIKeys[provider] = key })
}

// SetActiveProvider records which provider is currently active.
func (s *Store) SetActiveProvider(name string) error {
	return s.Update(func(d *Data) { d.ActiveProvider = name })
}
