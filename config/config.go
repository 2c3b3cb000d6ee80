// Package config holds the settings of the clangd client: where the server
// lives, how it is launched and the tuning knobs of the sessions.
package config

import (
	"fmt"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration store.
type Config struct {
	Clangd     ClangdConfig     `yaml:"clangd"`
	Completion CompletionConfig `yaml:"completion"`
	Session    SessionConfig    `yaml:"session"`
	CompileDB  CompileDBConfig  `yaml:"compile_db"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ClangdConfig describes the server process.
type ClangdConfig struct {
	Executable      string   `yaml:"executable"`
	ExtraArgs       []string `yaml:"extra_args,omitempty"`
	Env             []string `yaml:"env,omitempty"`
	ParallelJobs    int      `yaml:"parallel_jobs"`
	BackgroundIndex bool     `yaml:"background_index"`
	LogLevel        string   `yaml:"log_level"`
	MinVersion      string   `yaml:"min_version"`
}

// CompletionConfig tunes completion requests.
type CompletionConfig struct {
	// Delay is the idle time required after the last edit before a
	// completion request is sent.
	Delay      Duration `yaml:"delay"`
	MaxRetries int      `yaml:"max_retries"`
}

// SessionConfig tunes the session lifecycle.
type SessionConfig struct {
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// CompileDBConfig controls the compile_commands.json watcher.
type CompileDBConfig struct {
	// Dir is the directory of compile_commands.json, relative to the
	// project base directory.
	Dir      string   `yaml:"dir"`
	Watch    bool     `yaml:"watch"`
	Debounce Duration `yaml:"debounce"`
}

// LoggingConfig controls the traffic dumps.
type LoggingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// Duration is a time.Duration that reads from YAML strings like "300ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Clangd: ClangdConfig{
			Executable:      "clangd",
			ParallelJobs:    2,
			BackgroundIndex: true,
			LogLevel:        "error",
			MinVersion:      "13",
		},
		Completion: CompletionConfig{
			Delay:      Duration(300 * time.Millisecond),
			MaxRetries: 20,
		},
		Session: SessionConfig{
			ShutdownTimeout: Duration(2 * time.Second),
		},
		CompileDB: CompileDBConfig{
			Dir:      ".",
			Watch:    true,
			Debounce: Duration(time.Second),
		},
	}
}

// Load reads the configuration file at path on top of the defaults. A missing
// file is not an error.
func Load(path *paths.Path) (*Config, error) {
	conf := Default()
	if path == nil || !path.Exist() {
		return conf, nil
	}
	data, err := path.ReadFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration")
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %s", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", path)
	}
	return conf, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path *paths.Path) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := path.Parent().MkdirAll(); err != nil {
		return err
	}
	return path.WriteFile(data)
}

// Validate checks that the values are usable.
func (c *Config) Validate() error {
	if c.Clangd.Executable == "" {
		return errors.New("clangd.executable must be set")
	}
	if c.Clangd.ParallelJobs < 0 {
		return errors.Errorf("clangd.parallel_jobs must not be negative, got %d", c.Clangd.ParallelJobs)
	}
	if c.Completion.Delay < 0 {
		return errors.New("completion.delay must not be negative")
	}
	if c.Completion.MaxRetries < 0 {
		return errors.Errorf("completion.max_retries must not be negative, got %d", c.Completion.MaxRetries)
	}
	if c.Session.ShutdownTimeout <= 0 {
		return errors.New("session.shutdown_timeout must be positive")
	}
	switch c.Clangd.LogLevel {
	case "", "error", "info", "verbose":
	default:
		return errors.Errorf("clangd.log_level must be error, info or verbose, got %q", c.Clangd.LogLevel)
	}
	return nil
}

// ClangdArgs returns the command line used to launch the server for a
// project whose compilation database lives in compileCommandsDir.
func (c *Config) ClangdArgs(compileCommandsDir *paths.Path) []string {
	args := []string{
		"--compile-commands-dir=" + compileCommandsDir.String(),
		"--header-insertion=never",
		"--pch-storage=memory",
	}
	if c.Clangd.BackgroundIndex {
		args = append(args, "--background-index")
	} else {
		args = append(args, "--background-index=false")
	}
	if c.Clangd.ParallelJobs > 0 {
		args = append(args, fmt.Sprintf("-j=%d", c.Clangd.ParallelJobs))
	}
	if c.Clangd.LogLevel != "" {
		args = append(args, "--log="+c.Clangd.LogLevel)
	}
	return append(args, c.Clangd.ExtraArgs...)
}
