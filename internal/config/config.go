// Package config handles YAML configuration parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"calltrace/internal/core"
	"calltrace/internal/framework"
	"calltrace/internal/hook"
)

const (
	DefaultSeed        = 42
	DefaultTestTimeout = 120 * time.Second
	DefaultOutputDir   = "traces"
	DefaultFramework   = "pytest"
)

// Config is the root configuration structure.
type Config struct {
	ProjectRoot string             `yaml:"project_root"`
	OutputDir   string             `yaml:"output_dir"`
	Framework   string             `yaml:"framework"`
	Workers     int                `yaml:"workers"`
	MaxTests    OptionalInt        `yaml:"max_tests"`
	Random      bool               `yaml:"random"`
	Seed        int64              `yaml:"seed"`
	TestTimeout time.Duration      `yaml:"test_timeout"`
	LaunchRate  float64            `yaml:"launch_rate"`
	LaunchBurst int                `yaml:"launch_burst"`
	Index       string             `yaml:"index,omitempty"`
	CleanCaches bool               `yaml:"clean_caches"`
	TempDir     string             `yaml:"temp_dir,omitempty"`
	Filter      FilterConfig       `yaml:"filter,omitempty"`
	Limits      hook.Limits        `yaml:"limits,omitempty"`
	Commands    framework.Commands `yaml:"commands,omitempty"`
	Log         LogConfig          `yaml:"log,omitempty"`
}

// FilterConfig selects which source files are traced, by path prefix
// relative to the project root.
type FilterConfig struct {
	Allow    []string `yaml:"allow"`
	Deny     []string `yaml:"deny"`
	Suffixes []string `yaml:"suffixes"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OptionalInt is an integer that may be absent. YAML null, "none" and
// "null" leave it unset.
type OptionalInt struct {
	v *int
}

// Int returns an OptionalInt holding n.
func Int(n int) OptionalInt { return OptionalInt{v: &n} }

// Ptr returns the value, nil when unset.
func (o OptionalInt) Ptr() *int {
	if o.v == nil {
		return nil
	}
	n := *o.v
	return &n
}

func (o *OptionalInt) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseOptionalInt(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	o.v = v
	return nil
}

func (o OptionalInt) MarshalYAML() (any, error) {
	if o.v == nil {
		return nil, nil
	}
	return *o.v, nil
}

func (o OptionalInt) String() string {
	if o.v == nil {
		return "none"
	}
	return strconv.Itoa(*o.v)
}

// ParseOptionalInt parses an integer, treating "", "none" and "null" in
// any case as absent.
func ParseOptionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "null", "~":
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return &n, nil
}

// ParseBool accepts true/True/TRUE, false/False/FALSE and the other forms
// strconv.ParseBool knows.
func ParseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", s)
	}
	return b, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ProjectRoot: ".",
		OutputDir:   DefaultOutputDir,
		Framework:   DefaultFramework,
		Workers:     runtime.NumCPU(),
		Seed:        DefaultSeed,
		TestTimeout: DefaultTestTimeout,
		CleanCaches: true,
		Limits:      hook.DefaultLimits,
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML configuration file. Keys absent from the file
// keep their Default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ProjectRoot == "" {
		errs = append(errs, errors.New("project_root is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if _, err := framework.Lookup(c.Framework); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.TestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("test_timeout must be positive, got %s", c.TestTimeout))
	}
	if c.LaunchRate < 0 {
		errs = append(errs, fmt.Errorf("launch_rate must not be negative, got %v", c.LaunchRate))
	}
	if c.LaunchBurst < 0 {
		errs = append(errs, fmt.Errorf("launch_burst must not be negative, got %d", c.LaunchBurst))
	}
	if c.Limits.MaxDepth < 0 || c.Limits.MaxItems < 0 || c.Limits.MaxText < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Manifest resolves paths and returns the immutable description of one run
// under a fresh run id.
func (c *Config) Manifest() (core.RunManifest, error) {
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return core.RunManifest{}, fmt.Errorf("resolve project_root: %w", err)
	}
	out := c.OutputDir
	if !filepath.IsAbs(out) {
		out = filepath.Join(root, out)
	}
	return core.RunManifest{
		RunID:       uuid.NewString(),
		ProjectRoot: root,
		OutputDir:   filepath.Clean(out),
		Framework:   c.Framework,
		Workers:     c.Workers,
		MaxTests:    c.MaxTests.Ptr(),
		Random:      c.Random,
		Seed:        c.Seed,
		TestTimeout: c.TestTimeout,
	}, nil
}

// HookFilter returns the frame filter for a project rooted at root.
func (c *Config) HookFilter(root string) hook.Filter {
	suffixes := c.Filter.Suffixes
	if len(suffixes) == 0 && c.Framework == "pytest" {
		suffixes = []string{".py"}
	}
	return hook.Filter{
		BaseDir:  root,
		Allow:    c.Filter.Allow,
		Deny:     c.Filter.Deny,
		Suffixes: suffixes,
	}
}
