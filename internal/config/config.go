// Package config loads the queued daemon's YAML configuration: one entry
// per worker instance (ui/vcs/ci) and one entry per pipeline naming which
// workers it uses, plus the ambient logging/webhookdispatch/store settings.
// Shaped after the teacher's internal/config.Config: a single top-level
// struct with nested *Config pointers per concern, loaded with Load and
// written with Save, both backed by gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/queued/queued/internal/gateway"
	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/webhookdispatch"
)

// Config is the root of a queued daemon's configuration.
type Config struct {
	Version   string             `yaml:"version"`
	Store     *StoreConfig       `yaml:"store"`
	Logging   *logging.Config    `yaml:"logging"`
	Workers   *WorkersConfig     `yaml:"workers"`
	Pipelines []*PipelineConfig  `yaml:"pipelines"`
	Gateway   *gateway.Config    `yaml:"gateway"`
	Alerts    *AlertsConfig      `yaml:"alerts"`
}

// AlertsConfig configures the circuit-breaker/deadlock monitor (spec §9).
// A nil Webhook means alerts are only logged, never delivered.
type AlertsConfig struct {
	Webhook *webhookdispatch.Config `yaml:"webhook"`
}

// StoreConfig selects and configures the persistence backend (spec §4.3/§6).
type StoreConfig struct {
	// DatabaseURL mirrors the DATABASE_URL environment variable; a value set
	// here is overridden by the environment variable when present. Empty
	// falls back to SQLitePath.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// WorkersConfig declares every worker instance available to pipelines, keyed
// by the name pipelines reference in their ui/vcs/ci fields.
type WorkersConfig struct {
	UI  []UIWorkerConfig  `yaml:"ui"`
	VCS []VCSWorkerConfig `yaml:"vcs"`
	CI  []CIWorkerConfig  `yaml:"ci"`
}

// UIWorkerConfig configures a webhook-backed UI worker.
type UIWorkerConfig struct {
	Name    string                    `yaml:"name"`
	Webhook *webhookdispatch.Config   `yaml:"webhook"`
}

// VCSWorkerConfig configures a git-backed VCS worker.
type VCSWorkerConfig struct {
	Name        string `yaml:"name"`
	RepoPath    string `yaml:"repo_path"`
	DefaultBase string `yaml:"default_base"`
}

// CIWorkerConfig configures a polling CI worker.
type CIWorkerConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// StatusURL is the base URL a StatusFunc implementation polls for build
	// status; how it is used is left to the concrete StatusFunc wired up in
	// cmd/queued, since the polling shape (GET + parse) is integration-specific.
	StatusURL string `yaml:"status_url"`
}

// PipelineConfig is the on-disk shape of one pipeline: which worker names it
// uses, and whether it is a try lane (never fast-forwards, spec §11).
type PipelineConfig struct {
	ID       string            `yaml:"id"`
	UIName   string            `yaml:"ui"`
	VCSName  string            `yaml:"vcs"`
	CIName   string            `yaml:"ci"`
	IsTry    bool              `yaml:"try"`
	Deadline time.Duration     `yaml:"deadline"`
	Opaque   map[string]string `yaml:"opaque,omitempty"`
}

// DefaultConfig returns a Config with no pipelines or workers configured yet,
// but sane ambient defaults (sqlite store, text logging at info level).
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Store: &StoreConfig{
			SQLitePath: filepath.Join(homeDir, ".queued", "queued.db"),
		},
		Logging: logging.DefaultConfig(),
		Workers: &WorkersConfig{},
		Gateway: &gateway.Config{Host: "127.0.0.1", Port: 9091},
	}
}

// Load reads and parses configuration from a YAML file at path, expanding
// environment variables ($VAR / ${VAR}) before parsing. A missing file
// yields DefaultConfig rather than an error, matching the teacher's idiom of
// always returning a usable config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && cfg.Store != nil {
		cfg.Store.DatabaseURL = dbURL
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" && cfg.Logging != nil {
		cfg.Logging.Level = lvl
	}
	if cfg.Store != nil {
		cfg.Store.SQLitePath = expandPath(cfg.Store.SQLitePath)
	}

	return cfg, nil
}

// Save writes cfg as YAML to path, creating the parent directory if needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: create directory %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// DefaultConfigPath returns ~/.queued/config.yaml.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".queued", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks the configuration for the minimum viable setup: every
// pipeline must name workers that are actually declared, and a try-lane
// pipeline must still have a VCS worker (it merges to a staging commit, it
// simply never fast-forwards it onto the base).
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("config: store configuration is required")
	}
	uiNames := make(map[string]bool)
	vcsNames := make(map[string]bool)
	ciNames := make(map[string]bool)
	if c.Workers != nil {
		for _, w := range c.Workers.UI {
			uiNames[w.Name] = true
		}
		for _, w := range c.Workers.VCS {
			vcsNames[w.Name] = true
		}
		for _, w := range c.Workers.CI {
			ciNames[w.Name] = true
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("config: pipeline with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate pipeline id %q", p.ID)
		}
		seen[p.ID] = true
		if !uiNames[p.UIName] {
			return fmt.Errorf("config: pipeline %q references unknown ui worker %q", p.ID, p.UIName)
		}
		if !vcsNames[p.VCSName] {
			return fmt.Errorf("config: pipeline %q references unknown vcs worker %q", p.ID, p.VCSName)
		}
		if !ciNames[p.CIName] {
			return fmt.Errorf("config: pipeline %q references unknown ci worker %q", p.ID, p.CIName)
		}
	}
	return nil
}

// GetPipeline returns the pipeline config matching id, or nil.
func (c *Config) GetPipeline(id string) *PipelineConfig {
	for _, p := range c.Pipelines {
		if p.ID == id {
			return p
		}
	}
	return nil
}
