package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "5s", "2m".
// Plain integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the top-level edge daemon configuration.
type Config struct {
	Compute   ComputeConfig   `yaml:"compute"`
	Assistant AssistantConfig `yaml:"assistant"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ComputeConfig holds everything about locating and watching the compute node.
type ComputeConfig struct {
	// Host is the configured compute-node address. Empty means rely on
	// network discovery.
	Host string `yaml:"host"`
	// CandidatePorts is an ordered priority list; the first port that
	// answers a probe wins.
	CandidatePorts []int `yaml:"candidate_ports"`

	ProbeTimeout  Duration `yaml:"probe_timeout"`
	ProbeInterval Duration `yaml:"probe_interval"`
	// DownThreshold is the number of consecutive probe failures before the
	// monitor reports DOWN. 1 means a single miss flips the state.
	DownThreshold int `yaml:"down_threshold"`

	ResolutionMaxAttempts int      `yaml:"resolution_max_attempts"`
	ResolutionBaseDelay   Duration `yaml:"resolution_base_delay"`
	// ReresolveInterval is the slower cadence for background re-resolution
	// while the session is degraded.
	ReresolveInterval Duration `yaml:"reresolve_interval"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// DiscoveryConfig holds fallback discovery settings.
// NOTE: MDNS is a config-level flag, but mDNS support also requires the binary
// to be built with the "mdns" build tag; without the tag the noop discoverer
// is used.
type DiscoveryConfig struct {
	SubnetScan    bool `yaml:"subnet_scan"`
	MDNS          bool `yaml:"mdns"`
	ScanHostLimit int  `yaml:"scan_host_limit"`
	// ScanRate caps probe starts per second during a subnet scan.
	ScanRate int `yaml:"scan_rate"`
}

// BreakerConfig configures the circuit breaker on the compute client.
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// AssistantConfig describes the local assistant process.
type AssistantConfig struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	WorkDir     string   `yaml:"work_dir"`
	GracePeriod Duration `yaml:"grace_period"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Compute: ComputeConfig{
			CandidatePorts:        []int{8000, 8001, 8002},
			ProbeTimeout:          Duration(2 * time.Second),
			ProbeInterval:         Duration(5 * time.Second),
			DownThreshold:         1,
			ResolutionMaxAttempts: 3,
			ResolutionBaseDelay:   Duration(2 * time.Second),
			ReresolveInterval:     Duration(30 * time.Second),
			Discovery: DiscoveryConfig{
				SubnetScan:    true,
				ScanHostLimit: 20,
				ScanRate:      10,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     Duration(30 * time.Second),
				Interval:    Duration(60 * time.Second),
			},
		},
		Assistant: AssistantConfig{
			GracePeriod: Duration(5 * time.Second),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies PIVOT_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PIVOT_COMPUTE_HOST"); v != "" {
		cfg.Compute.Host = v
	}
	if v := os.Getenv("PIVOT_COMPUTE_PORTS"); v != "" {
		var ports []int
		for _, s := range splitAndTrim(v, ",") {
			if p, err := strconv.Atoi(s); err == nil {
				ports = append(ports, p)
			}
		}
		if len(ports) > 0 {
			cfg.Compute.CandidatePorts = ports
		}
	}
	if v := os.Getenv("PIVOT_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Compute.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("PIVOT_ASSISTANT_COMMAND"); v != "" {
		cfg.Assistant.Command = v
	}
	if v := os.Getenv("PIVOT_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PIVOT_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
}

// Validate checks cfg for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if len(cfg.Compute.CandidatePorts) == 0 {
		return fmt.Errorf("compute.candidate_ports must not be empty")
	}
	for _, p := range cfg.Compute.CandidatePorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("compute.candidate_ports: invalid port %d", p)
		}
	}
	if cfg.Compute.DownThreshold < 1 {
		return fmt.Errorf("compute.down_threshold must be >= 1")
	}
	if cfg.Compute.ResolutionMaxAttempts < 1 {
		return fmt.Errorf("compute.resolution_max_attempts must be >= 1")
	}
	if cfg.Compute.ProbeInterval <= 0 {
		return fmt.Errorf("compute.probe_interval must be positive")
	}
	if cfg.Compute.ProbeTimeout <= 0 {
		return fmt.Errorf("compute.probe_timeout must be positive")
	}
	if cfg.Assistant.Command == "" {
		return fmt.Errorf("assistant.command is required")
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
