// Package config loads pitwall's YAML or TOML configuration on top of
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinPollInterval is the floor applied to every polling loop regardless of
// the interval requested.
const MinPollInterval = 500 * time.Millisecond

type Config struct {
	Launch     []LaunchConfig           `yaml:"launch" toml:"launch"`
	Supervisor SupervisorConfig         `yaml:"supervisor" toml:"supervisor"`
	Realtime   RealtimeConfig           `yaml:"realtime" toml:"realtime"`
	Commands   map[string]CommandConfig `yaml:"commands" toml:"commands"`
	Telemetry  TelemetryConfig          `yaml:"telemetry" toml:"telemetry"`
	Watch      WatchConfig              `yaml:"watch" toml:"watch"`
	Logs       LogsConfig               `yaml:"logs" toml:"logs"`
	LogFile    string                   `yaml:"log_file" toml:"log_file"`
	LogLevel   string                   `yaml:"log_level" toml:"log_level"`
}

// LaunchConfig describes one child process pitwall can supervise.
type LaunchConfig struct {
	Name       string            `yaml:"name" toml:"name"`
	Command    string            `yaml:"command" toml:"command"`
	Args       []string          `yaml:"args" toml:"args"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir"`
	Env        map[string]string `yaml:"env" toml:"env"`
	AutoStart  bool              `yaml:"auto_start" toml:"auto_start"`
}

type SupervisorConfig struct {
	WatchdogInterval time.Duration `yaml:"watchdog_interval" toml:"watchdog_interval"`
	ExitGrace        time.Duration `yaml:"exit_grace" toml:"exit_grace"`
	StopMethod       string        `yaml:"stop_method" toml:"stop_method"`
	StopTimeout      time.Duration `yaml:"stop_timeout" toml:"stop_timeout"`
	TermTimeout      time.Duration `yaml:"term_timeout" toml:"term_timeout"`
	KillTimeout      time.Duration `yaml:"kill_timeout" toml:"kill_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ReadyEvent       string        `yaml:"ready_event" toml:"ready_event"`
	AppIDEvent       string        `yaml:"app_id_event" toml:"app_id_event"`
}

type RealtimeConfig struct {
	AutoConnect        bool          `yaml:"auto_connect" toml:"auto_connect"`
	URIEvent           string        `yaml:"uri_event" toml:"uri_event"`
	URIField           string        `yaml:"uri_field" toml:"uri_field"`
	MaxAttempts        int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	HeartbeatThreshold int           `yaml:"heartbeat_threshold" toml:"heartbeat_threshold"`
	Streams            []string      `yaml:"streams" toml:"streams"`
}

// CommandConfig maps a one-shot command kind (reload, restart, stop, clear)
// to the JSON-RPC method sent on the session's command channel. A kind with
// no method configured is completed without contacting the process.
type CommandConfig struct {
	Method string         `yaml:"method" toml:"method"`
	Params map[string]any `yaml:"params" toml:"params"`
}

type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
	MinInterval time.Duration `yaml:"min_interval" toml:"min_interval"`
	Buffer      int           `yaml:"buffer" toml:"buffer"`
}

type WatchConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	Paths      []string      `yaml:"paths" toml:"paths"`
	Extensions []string      `yaml:"extensions" toml:"extensions"`
	Debounce   time.Duration `yaml:"debounce" toml:"debounce"`
}

type LogsConfig struct {
	Buffer int `yaml:"buffer" toml:"buffer"`
}

// Default returns the configuration used when no file is present. The
// command names and events match the Flutter daemon protocol.
func Default() *Config {
	return &Config{
		Launch: []LaunchConfig{
			{
				Name:      "flutter",
				Command:   "flutter",
				Args:      []string{"run", "--machine"},
				AutoStart: true,
			},
		},
		Supervisor: SupervisorConfig{
			WatchdogInterval: 5 * time.Second,
			ExitGrace:        time.Second,
			StopMethod:       "app.stop",
			StopTimeout:      time.Second,
			TermTimeout:      2 * time.Second,
			KillTimeout:      time.Second,
			ShutdownTimeout:  5 * time.Second,
			ReadyEvent:       "app.started",
			AppIDEvent:       "app.start",
		},
		Realtime: RealtimeConfig{
			AutoConnect:        true,
			URIEvent:           "app.debugPort",
			URIField:           "wsUri",
			MaxAttempts:        10,
			InitialBackoff:     500 * time.Millisecond,
			MaxBackoff:         10 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			HeartbeatTimeout:   5 * time.Second,
			HeartbeatThreshold: 3,
			Streams:            []string{"Extension", "Logging"},
		},
		Commands: map[string]CommandConfig{
			"reload":  {Method: "app.restart", Params: map[string]any{"fullRestart": false, "reason": "manual"}},
			"restart": {Method: "app.restart", Params: map[string]any{"fullRestart": true, "reason": "manual"}},
			"stop":    {Method: "app.stop"},
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			Interval:    2 * time.Second,
			MinInterval: MinPollInterval,
			Buffer:      120,
		},
		Watch: WatchConfig{
			Enabled:    true,
			Paths:      []string{"lib"},
			Extensions: []string{".dart"},
			Debounce:   500 * time.Millisecond,
		},
		Logs: LogsConfig{
			Buffer: 2000,
		},
		LogFile:  DefaultLogFile(),
		LogLevel: "info",
	}
}

// Load reads the file at path on top of Default. The format is chosen by
// extension: .toml is decoded as TOML, anything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	// A file that lists launch targets replaces the default target list.
	cfg.Launch = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if len(cfg.Launch) == 0 {
		cfg.Launch = Default().Launch
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when path does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks launch targets and intervals and clamps the telemetry
// interval to the polling floor.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Launch))
	for i, l := range c.Launch {
		if strings.TrimSpace(l.Command) == "" {
			return fmt.Errorf("launch[%d]: command is required", i)
		}
		name := l.Name
		if name == "" {
			name = filepath.Base(l.Command)
			c.Launch[i].Name = name
		}
		if seen[name] {
			return fmt.Errorf("launch[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}

	positive := map[string]time.Duration{
		"supervisor.watchdog_interval": c.Supervisor.WatchdogInterval,
		"supervisor.shutdown_timeout":  c.Supervisor.ShutdownTimeout,
		"realtime.heartbeat_interval":  c.Realtime.HeartbeatInterval,
		"realtime.heartbeat_timeout":   c.Realtime.HeartbeatTimeout,
		"realtime.initial_backoff":     c.Realtime.InitialBackoff,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.Realtime.MaxAttempts < 1 {
		return fmt.Errorf("realtime.max_attempts must be at least 1, got %d", c.Realtime.MaxAttempts)
	}
	if c.Realtime.HeartbeatThreshold < 1 {
		return fmt.Errorf("realtime.heartbeat_threshold must be at least 1, got %d", c.Realtime.HeartbeatThreshold)
	}

	if c.Telemetry.MinInterval < MinPollInterval {
		c.Telemetry.MinInterval = MinPollInterval
	}
	c.Telemetry.Interval = ClampInterval(c.Telemetry.Interval, c.Telemetry.MinInterval)
	return nil
}

// Command returns the configured method for a one-shot command kind.
func (c *Config) Command(kind string) (CommandConfig, bool) {
	cmd, ok := c.Commands[kind]
	if !ok || cmd.Method == "" {
		return CommandConfig{}, false
	}
	return cmd, true
}

// LaunchByName returns the launch target with the given name.
func (c *Config) LaunchByName(name string) (LaunchConfig, bool) {
	for _, l := range c.Launch {
		if l.Name == name {
			return l, true
		}
	}
	return LaunchConfig{}, false
}

// ClampInterval raises d to floor when it is below it.
func ClampInterval(d, floor time.Duration) time.Duration {
	if floor < MinPollInterval {
		floor = MinPollInterval
	}
	if d < floor {
		return floor
	}
	return d
}

// DefaultPath returns the config file looked up when --config is not given:
// pitwall.yaml in the working directory.
func DefaultPath() string {
	return "pitwall.yaml"
}

// DefaultLogFile returns $XDG_STATE_HOME/pitwall/pitwall.log, falling back to
// ~/.local/state/pitwall/pitwall.log.
func DefaultLogFile() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "pitwall", "pitwall.log")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pitwall.log")
	}
	return filepath.Join(home, ".local", "state", "pitwall", "pitwall.log")
}
