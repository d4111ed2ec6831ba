// Package config loads the daemon's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/connectors/localexec"
	"github.com/fentz26/sleepless/internal/health"
	"github.com/fentz26/sleepless/internal/runner"
	"github.com/fentz26/sleepless/internal/scheduler"
	"github.com/fentz26/sleepless/internal/usage"
	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is where the daemon serves its API.
const DefaultListenAddr = "127.0.0.1:7466"

// ShutdownMargin is the time the daemon needs beyond the runner's shutdown
// timeout to stop the HTTP server and close the store.
const ShutdownMargin = 10 * time.Second

// Config is the complete daemon configuration. It is validated once at load
// and not modified afterwards.
type Config struct {
	Daemon    DaemonConfig      `yaml:"daemon"`
	Scheduler *scheduler.Config `yaml:"scheduler"`
	Usage     *usage.Config     `yaml:"usage"`
	Capacity  *capacity.Config  `yaml:"capacity"`
	Runner    *runner.Config    `yaml:"runner"`
	Watchdog  *health.Config    `yaml:"watchdog"`
	Agent     *localexec.Config `yaml:"agent"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// DaemonConfig locates the daemon's files and API.
type DaemonConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the database, lock, log and status files unless they
	// are set explicitly.
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path,omitempty"`
	LockPath   string `yaml:"lock_path,omitempty"`
	LogPath    string `yaml:"log_path,omitempty"`
	StatusPath string `yaml:"status_path,omitempty"`
	// Timezone names the zone for reset times and capacity windows. Empty
	// means the local zone.
	Timezone string `yaml:"timezone,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ListenAddr: DefaultListenAddr,
			DataDir:    DefaultDataDir(),
		},
		Scheduler: scheduler.DefaultConfig(),
		Usage:     usage.DefaultConfig(),
		Capacity:  capacity.DefaultConfig(),
		Runner:    runner.DefaultConfig(),
		Watchdog:  health.DefaultConfig(),
		Agent:     localexec.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
	}
}

// DefaultDataDir returns ~/.sleepless, or .sleepless when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sleepless"
	}
	return filepath.Join(home, ".sleepless")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads path over the defaults, applies SLEEPLESS_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("SLEEPLESS_LISTEN_ADDR"); v != "" {
		c.Daemon.ListenAddr = v
	}
	if v := getenv("SLEEPLESS_DATA_DIR"); v != "" {
		c.Daemon.DataDir = v
	}
	if v := getenv("SLEEPLESS_DB_PATH"); v != "" {
		c.Daemon.DBPath = v
	}
	if v := getenv("SLEEPLESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// normalize fills sections omitted from the file and derives file paths.
func (c *Config) normalize() error {
	if c.Scheduler == nil {
		c.Scheduler = scheduler.DefaultConfig()
	}
	if c.Usage == nil {
		c.Usage = usage.DefaultConfig()
	}
	if c.Capacity == nil {
		c.Capacity = capacity.DefaultConfig()
	}
	if c.Runner == nil {
		c.Runner = runner.DefaultConfig()
	}
	if c.Watchdog == nil {
		c.Watchdog = health.DefaultConfig()
	}
	if c.Agent == nil {
		c.Agent = localexec.DefaultConfig()
	}

	d := &c.Daemon
	dir, err := expandHome(d.DataDir)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = DefaultDataDir()
	}
	d.DataDir = dir
	for _, p := range []struct {
		field *string
		name  string
	}{
		{&d.DBPath, "sleepless.db"},
		{&d.LockPath, "daemon.lock"},
		{&d.LogPath, "daemon.log"},
		{&d.StatusPath, "watchdog-status.json"},
	} {
		if *p.field == "" {
			*p.field = filepath.Join(dir, p.name)
			continue
		}
		if *p.field, err = expandHome(*p.field); err != nil {
			return err
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Daemon.ListenAddr) == "" {
		return fmt.Errorf("daemon.listen_addr is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("daemon.timezone: %w", err)
	}
	checks := []struct {
		section  string
		validate func() error
	}{
		{"scheduler", c.Scheduler.Validate},
		{"usage", c.Usage.Validate},
		{"capacity", c.Capacity.Validate},
		{"runner", c.Runner.Validate},
		{"watchdog", c.Watchdog.Validate},
		{"agent", c.Agent.Validate},
	}
	for _, check := range checks {
		if err := check.validate(); err != nil {
			return fmt.Errorf("%s: %w", check.section, err)
		}
	}
	if floor := c.Runner.ShutdownTimeout + ShutdownMargin; c.Watchdog.StopTimeout < floor {
		return fmt.Errorf("watchdog.stop_timeout (%s) must be at least runner.shutdown_timeout plus %s (%s)",
			c.Watchdog.StopTimeout, ShutdownMargin, floor)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Daemon.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Daemon.Timezone)
}

// BaseURL is the HTTP address clients use to reach the daemon.
func (c *Config) BaseURL() string {
	addr := c.Daemon.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

const sampleHeader = `# sleepless configuration.
# Durations use Go syntax (30s, 5m, 1h). Omitted keys keep their defaults.
`

// WriteSample writes cfg, or the defaults when cfg is nil, to path. An
// existing file is only replaced when force is set.
func WriteSample(path string, cfg *Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(sampleHeader), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
