// Package storage implements the JSON key/value sidecar user components persist
// state in.
//
// Writes are batched: [Storage.Set] updates the in-memory state straight away and
// the file is rewritten once things have been quiet for a short while.
package storage

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/bep/debounce"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
)

// FlushDelay is how long after the last write the state is flushed to disk.
const FlushDelay = 100 * time.Millisecond

// Storage is a persistent key/value store backed by a JSON file.
type Storage struct {
	files    vault.FS       // Where the file lives
	logger   *log.Logger    // Flush failures are logged here
	state    map[string]any // In-memory state
	debounce func(func())   // Schedules the trailing flush
	path     string         // Vault path of the JSON file
	mu       sync.Mutex     // Guards state and dirty
	dirty    bool           // Whether state has changes not yet flushed
}

// New returns a [Storage] persisting to path in files.
func New(files vault.FS, path string, logger *log.Logger) *Storage {
	return &Storage{
		files:    files,
		path:     path,
		logger:   logger.Prefixed("storage"),
		state:    make(map[string]any),
		debounce: debounce.New(FlushDelay),
	}
}

// Init loads the existing state from disk, a missing file means empty state.
func (s *Storage) Init() error {
	if !s.files.Exists(s.path) {
		s.logger.Debug("No storage file, starting empty", "path", s.path)
		return nil
	}

	text, err := s.files.Read(s.path)
	if err != nil {
		return fmt.Errorf("could not read storage: %w", err)
	}

	state := make(map[string]any)
	if err := json.Unmarshal([]byte(text), &state); err != nil {
		return fmt.Errorf("storage file %s is not a JSON object: %w", s.path, err)
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("Loaded storage", "path", s.path, "keys", len(state))
	return nil
}

// Get returns the value stored under key.
func (s *Storage) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.state[key]
	return value, ok
}

// All returns a copy of the whole state.
func (s *Storage) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state)
}

// Set stores value under key and schedules a flush.
func (s *Storage) Set(key string, value any) {
	s.mu.Lock()
	s.state[key] = value
	s.dirty = true
	s.mu.Unlock()

	s.debounce(func() {
		if err := s.Flush(); err != nil {
			s.logger.Error("Could not flush storage", "path", s.path, "error", err)
		}
	})
}

// Delete removes key and schedules a flush.
func (s *Storage) Delete(key string) {
	s.mu.Lock()
	delete(s.state, key)
	s.dirty = true
	s.mu.Unlock()

	s.debounce(func() {
		if err := s.Flush(); err != nil {
			s.logger.Error("Could not flush storage", "path", s.path, "error", err)
		}
	})
}

// Flush writes the current state to disk if it has changed since the last flush.
func (s *Storage) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	contents, err := json.MarshalIndent(s.state, "", "    ")
	s.dirty = false
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("could not serialise storage: %w", err)
	}

	if err := s.files.Write(s.path, string(contents)); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("could not write storage: %w", err)
	}

	s.logger.Debug("Flushed storage", "path", s.path)
	return nil
}

// Close flushes any pending state.
//
// A flush already scheduled by the debouncer may still run after Close returns,
// it finds nothing to do.
func (s *Storage) Close() error {
	return s.Flush()
}
