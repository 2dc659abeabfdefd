package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/test"
)

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	got, err := config.Load(filepath.Join(t.TempDir(), config.FileName))
	test.Ok(t, err)
	test.Equal(t, got, config.Default())
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	test.Ok(t, os.WriteFile(path, []byte("components_folder: Lib/Emera\nlog_level: debug\n"), 0o644))

	got, err := config.Load(path)
	test.Ok(t, err)
	test.Equal(t, got.ComponentsFolder, "Lib/Emera")
	test.Equal(t, got.LogLevel, "debug")
	test.Equal(t, got.StoragePath(), "Lib/Emera/storage.json")
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	test.Ok(t, os.WriteFile(path, []byte("components_folder: FromFile\n"), 0o644))
	test.Ok(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EMERA_SASS_BINARY=/opt/sass\nEMERA_COMPONENTS_FOLDER=FromDotEnv\n"), 0o644))

	// The real environment wins over .env
	t.Setenv("EMERA_COMPONENTS_FOLDER", "FromEnv")

	got, err := config.Load(path)
	test.Ok(t, err)
	test.Equal(t, got.ComponentsFolder, "FromEnv")
	test.Equal(t, got.SassBinary, "/opt/sass")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string          // Name of the test case
		settings config.Settings // Settings under test
		wantErr  bool            // Whether Validate should fail
	}{
		{name: "default", settings: config.Default(), wantErr: false},
		{name: "empty folder", settings: config.Settings{ComponentsFolder: " "}, wantErr: true},
		{name: "outside vault", settings: config.Settings{ComponentsFolder: "../elsewhere"}, wantErr: true},
		{name: "bad level", settings: config.Settings{ComponentsFolder: "C", LogLevel: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test.WantErr(t, tt.settings.Validate(), tt.wantErr)
		})
	}
}

func TestSave(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), config.FileName)
	settings := config.Settings{ComponentsFolder: "Stuff", LogLevel: "warn"}
	test.Ok(t, settings.Save(path))

	got, err := config.Load(path)
	test.Ok(t, err)
	test.Equal(t, got, settings)
}

func TestEntryCandidates(t *testing.T) {
	got := config.Default().EntryCandidates()
	want := []string{
		"Components/index.js",
		"Components/index.jsx",
		"Components/index.ts",
		"Components/index.tsx",
	}
	test.EqualFunc(t, got, want, slices.Equal)
}

// clearEnv unsets every emera variable for the duration of the test, restoring
// them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"EMERA_COMPONENTS_FOLDER", "EMERA_SASS_BINARY", "EMERA_LOG_LEVEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
