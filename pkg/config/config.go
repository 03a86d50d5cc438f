// Package config holds probe-run's settings: built-in defaults, optionally
// overridden by a .probe-run.yaml in the working directory, in turn
// overridden by command line flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileName is the optional per-project configuration file.
const FileName = ".probe-run.yaml"

// Settings controls backtrace generation and presentation.
type Settings struct {
	// CurrentDir is the base for path shortening. Not configurable from the
	// file; always the process working directory.
	CurrentDir string `yaml:"-"`

	MaxBacktraceLen int    `yaml:"max_backtrace_len"`
	ForceBacktrace  bool   `yaml:"force_backtrace"`
	ShortenPaths    bool   `yaml:"shorten_paths"`
	Verbose         bool   `yaml:"verbose"`
	GDB             string `yaml:"gdb"`
}

// Default returns the built-in settings.
func Default() *Settings {
	cwd, _ := os.Getwd()
	return &Settings{
		CurrentDir:      cwd,
		MaxBacktraceLen: 50,
		GDB:             "localhost:3333",
	}
}

// Load returns the defaults merged with the configuration file at path, if
// one exists.
func Load(path string) (*Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return settings, nil
}
