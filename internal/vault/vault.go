// Package vault provides access to the user's documents and component sources.
//
// Everything else in emera goes through the [FS] interface rather than the os
// package so the same code works on a real directory, and on in-memory buffers
// held by the editor.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when reading a file that doesn't exist.
var ErrNotFound = errors.New("file not found")

// FS is the file access collaborator, paths are slash separated and relative
// to the root of the vault.
type FS interface {
	// Exists reports whether a file exists at path.
	Exists(path string) bool

	// Read returns the contents of the file at path.
	Read(path string) (string, error)

	// Write replaces the contents of the file at path, creating it if needed.
	Write(path, text string) error

	// List returns the paths of every file matching the glob pattern, sorted.
	List(pattern string) ([]string, error)
}

// Dir is an [FS] backed by a directory on disk.
type Dir struct {
	root string // Absolute path of the vault root
}

// NewDir returns a [Dir] rooted at root.
func NewDir(root string) (Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Dir{}, fmt.Errorf("could not resolve vault root %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Dir{}, fmt.Errorf("could not open vault: %w", err)
	}

	if !info.IsDir() {
		return Dir{}, fmt.Errorf("vault root %s is not a directory", abs)
	}

	return Dir{root: abs}, nil
}

// Root returns the absolute path of the vault root.
func (d Dir) Root() string {
	return d.root
}

// Rel converts a path on disk to a vault path.
func (d Dir) Rel(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the vault %s", name, d.root)
	}

	return filepath.ToSlash(rel), nil
}

// Exists reports whether a regular file exists at path.
func (d Dir) Exists(path string) bool {
	info, err := os.Stat(d.abs(path))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the contents of the file at path.
func (d Dir) Read(path string) (string, error) {
	contents, err := os.ReadFile(d.abs(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	return string(contents), nil
}

// Write replaces the contents of the file at path, creating parent directories
// as needed.
func (d Dir) Write(path, text string) error {
	abs := d.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", path, err)
	}
	return os.WriteFile(abs, []byte(text), 0o644)
}

// List returns every file in the vault matching pattern.
//
// Patterns use [path.Match] syntax against the whole vault path, with the addition
// of "**" matching any number of directories.
func (d Dir) List(pattern string) ([]string, error) {
	var matches []string

	err := filepath.WalkDir(d.root, func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			if entry.Name() != "." && strings.HasPrefix(entry.Name(), ".") && name != d.root {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(d.root, name)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		if Match(pattern, rel) {
			matches = append(matches, rel)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", pattern, err)
	}

	slices.Sort(matches)
	return matches, nil
}

// abs converts a vault path to an absolute path on disk.
func (d Dir) abs(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/" + name)))
}

// Memory is an in-memory [FS], it is safe for concurrent use.
type Memory struct {
	files map[string]string // File contents by path
	mu    sync.RWMutex      // Guards files
}

// NewMemory returns a [Memory] holding a copy of files.
func NewMemory(files map[string]string) *Memory {
	m := &Memory{files: make(map[string]string, len(files))}
	for name, text := range files {
		m.files[Clean(name)] = text
	}
	return m
}

// Exists reports whether the file exists.
func (m *Memory) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[Clean(path)]
	return ok
}

// Read returns the contents of the file.
func (m *Memory) Read(path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.files[Clean(path)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return text, nil
}

// Write stores text as the contents of the file.
func (m *Memory) Write(path, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[Clean(path)] = text
	return nil
}

// List returns every file matching pattern.
func (m *Memory) List(pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []string
	for _, name := range slices.Sorted(maps.Keys(m.files)) {
		if Match(pattern, name) {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

// Clean normalises a vault path: slash separated, no leading slash, no dot segments.
func Clean(name string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
}

// Match reports whether the vault path name matches the glob pattern, "**"
// matches zero or more whole path segments.
func Match(pattern, name string) bool {
	return matchSegments(strings.Split(Clean(pattern), "/"), strings.Split(name, "/"))
}

// matchSegments matches path segments against pattern segments.
func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		}

		if len(name) == 0 {
			return false
		}

		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}

		pattern = pattern[1:]
		name = name[1:]
	}

	return len(name) == 0
}
