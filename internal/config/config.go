// Package config contains the loader and model for ktime's optional configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
	"github.com/u2takey/go-utils/filesystem/homedir"
	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/ktime/internal/env"
)

const (
	// DefaultFileName is the config file looked up in the user's home directory.
	DefaultFileName = ".ktime.yaml"
	// DefaultNamespace is used when flags, env, config file and kubeconfig context all leave it empty.
	DefaultNamespace = "default"
	// DefaultFieldManager identifies ktime's server-side apply ownership.
	DefaultFieldManager = "ktime"
	// DefaultWatchTimeout bounds one watch session of the pod reacher.
	DefaultWatchTimeout = 30 * time.Second
	// DefaultPollInterval separates reacher invocations in the outer polling loop.
	DefaultPollInterval = 15 * time.Second
	// DefaultMaxAttempts caps the outer polling loop; zero means unbounded.
	DefaultMaxAttempts = 20
	// DefaultOutput is the report format written to stdout.
	DefaultOutput = "text"
)

// Config holds settings shared by all ktime commands.
// Values come from defaults, then the config file, then KTIME_* env vars; flags are applied by the CLI.
type Config struct {
	// Kubeconfig is an explicit kubeconfig path. Empty uses client-go loading rules.
	Kubeconfig string `yaml:"kubeconfig,omitempty" env:"KTIME_KUBECONFIG"`
	// Context selects the kubeconfig context name.
	Context string `yaml:"context,omitempty" env:"KTIME_CONTEXT"`
	// Namespace is the default namespace for pods and manifests without one.
	Namespace string `yaml:"namespace,omitempty" env:"KTIME_NAMESPACE"`
	// FieldManager is the server-side apply field manager.
	FieldManager string `yaml:"fieldManager,omitempty" env:"KTIME_FIELD_MANAGER"`
	// WatchTimeout bounds a single watch session.
	WatchTimeout time.Duration `yaml:"watchTimeout,omitempty" env:"KTIME_WATCH_TIMEOUT"`
	// PollInterval is the delay between reacher attempts.
	PollInterval time.Duration `yaml:"pollInterval,omitempty" env:"KTIME_POLL_INTERVAL"`
	// MaxAttempts caps reacher attempts; 0 polls until the process is stopped.
	MaxAttempts int `yaml:"maxAttempts,omitempty" env:"KTIME_MAX_ATTEMPTS"`
	// Output selects the report format: text, json or yaml.
	Output string `yaml:"output,omitempty" env:"KTIME_OUTPUT"`
	// LogLevel is the default log level.
	LogLevel string `yaml:"logLevel,omitempty" env:"KTIME_LOG_LEVEL"`
	// EnvFiles lists dotenv files loaded before KTIME_* variables are read.
	EnvFiles []string `yaml:"envFiles,omitempty"`
}

// LoadOptions controls where the config file is read from.
type LoadOptions struct {
	// Path is the config file path. Empty means ~/.ktime.yaml.
	Path string
	// Explicit marks Path as user-supplied; a missing explicit file is an error.
	Explicit bool
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		FieldManager: DefaultFieldManager,
		WatchTimeout: DefaultWatchTimeout,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		Output:       DefaultOutput,
		LogLevel:     "info",
	}
}

// DefaultPath returns ~/.ktime.yaml, or an empty string when no home directory is known.
func DefaultPath() string {
	home := homedir.HomeDir()
	if home == "" {
		return ""
	}
	return filepath.Join(home, DefaultFileName)
}

// Load reads the config file (rendered as a template over the process environment),
// loads its envFiles and applies KTIME_* overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Defaults()

	path := opts.Path
	if path == "" {
		path = DefaultPath()
	}

	baseDir := "."
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			baseDir = filepath.Dir(path)
			rendered, err := RenderTemplate(filepath.Base(path), raw, NewTemplateContext(nil))
			if err != nil {
				return Config{}, fmt.Errorf("render config %q: %w", path, err)
			}
			if err := yaml.Unmarshal(rendered, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !opts.Explicit:
		default:
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if _, err := env.LoadEnvFiles(baseDir, cfg.EnvFiles, true); err != nil {
		return Config{}, err
	}

	if err := envparse.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse KTIME_* environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	if c.WatchTimeout <= 0 {
		return fmt.Errorf("watchTimeout must be positive, got %s", c.WatchTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive, got %s", c.PollInterval)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must not be negative, got %d", c.MaxAttempts)
	}
	if strings.TrimSpace(c.FieldManager) == "" {
		return fmt.Errorf("fieldManager must not be empty")
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output %q (expected text, json or yaml)", c.Output)
	}
	return nil
}
