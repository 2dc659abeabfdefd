// Package config loads emera's settings.
//
// Settings come from an optional emera.yaml in the vault root, then a .env file,
// then the environment, each overriding the last.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultComponentsFolder = "Components" // Folder holding the user's components
	DefaultLogLevel         = "info"       // Log level when nothing else is configured
	FileName                = "emera.yaml" // Name of the settings file in the vault root
)

// Environment variables that override the settings file.
const (
	envComponentsFolder = "EMERA_COMPONENTS_FOLDER"
	envSassBinary       = "EMERA_SASS_BINARY"
	envLogLevel         = "EMERA_LOG_LEVEL"
)

// Settings are the user configurable settings.
type Settings struct {
	ComponentsFolder string `yaml:"components_folder"`     // Vault folder holding the entry file and storage.json
	SassBinary       string `yaml:"sass_binary,omitempty"` // Path to the dart-sass embedded binary, empty means look on $PATH
	LogLevel         string `yaml:"log_level,omitempty"`   // One of debug, info, warn, error
}

// Default returns the default [Settings].
func Default() Settings {
	return Settings{
		ComponentsFolder: DefaultComponentsFolder,
		LogLevel:         DefaultLogLevel,
	}
}

// Load reads settings from the file at path, a missing file is not an error and
// simply leaves the defaults in place. A .env file next to it, and then the
// process environment, override whatever the file says.
func Load(path string) (Settings, error) {
	settings := Default()

	contents, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(contents, &settings); err != nil {
			return Settings{}, fmt.Errorf("could not parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults it is
	default:
		return Settings{}, fmt.Errorf("could not read %s: %w", path, err)
	}

	// Values already in the environment win over .env
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("could not load %s: %w", envFile, err)
	}

	if value := os.Getenv(envComponentsFolder); value != "" {
		settings.ComponentsFolder = value
	}
	if value := os.Getenv(envSassBinary); value != "" {
		settings.SassBinary = value
	}
	if value := os.Getenv(envLogLevel); value != "" {
		settings.LogLevel = value
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// Validate reports whether the settings are usable.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ComponentsFolder) == "" {
		return errors.New("components folder must not be empty")
	}

	if filepath.IsAbs(s.ComponentsFolder) || strings.HasPrefix(filepath.ToSlash(filepath.Clean(s.ComponentsFolder)), "../") {
		return fmt.Errorf("components folder %q must be inside the vault", s.ComponentsFolder)
	}

	switch s.LogLevel {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q, expected one of debug, info, warn, error", s.LogLevel)
	}
}

// Save writes the settings to the file at path.
func (s Settings) Save(path string) error {
	contents, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("could not serialise settings: %w", err)
	}

	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}

	return nil
}

// EntryCandidates returns the vault paths searched, in order, for the user's
// entry file.
func (s Settings) EntryCandidates() []string {
	folder := filepath.ToSlash(filepath.Clean(s.ComponentsFolder))
	return []string{
		folder + "/index.js",
		folder + "/index.jsx",
		folder + "/index.ts",
		folder + "/index.tsx",
	}
}

// StoragePath returns the vault path of the JSON storage sidecar.
func (s Settings) StoragePath() string {
	return filepath.ToSlash(filepath.Clean(s.ComponentsFolder)) + "/storage.json"
}
