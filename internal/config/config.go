// Package config provides configuration parsing and validation for spcmctl.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spcmremote/spcmremote/internal/chaos"
	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/probe"
	"github.com/spcmremote/spcmremote/internal/transport"
)

// ErrConfiguration is wrapped by every validation failure.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the complete client configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Session   SessionConfig   `yaml:"session"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Emulator  EmulatorConfig  `yaml:"emulator"`
}

// RemoteConfig selects the instance to connect to.
type RemoteConfig struct {
	Host      string `yaml:"host"`       // explicit host, requires port
	Port      int    `yaml:"port"`       // explicit port, requires host
	ServiceID int    `yaml:"service_id"` // discovered instance id, 0 = default
}

// DiscoveryConfig defines mDNS discovery settings.
type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Service        string        `yaml:"service"`
	Domain         string        `yaml:"domain"`
	InstancePrefix string        `yaml:"instance_prefix"`
	Attempts       int           `yaml:"attempts"`
	SweepTimeout   time.Duration `yaml:"sweep_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// SessionConfig defines control channel settings.
type SessionConfig struct {
	KeyBits        int           `yaml:"key_bits"`
	DataDir        string        `yaml:"data_dir"`    // empty = per-user application data dir
	ReadBuffer     int           `yaml:"read_buffer"` // bytes per control read
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // 0 = wait forever
}

// TransferConfig defines side-channel settings.
type TransferConfig struct {
	BindAddress    string        `yaml:"bind_address"` // empty = all interfaces
	TempDir        string        `yaml:"temp_dir"`     // empty = <data_dir>/temp
	Timeout        time.Duration `yaml:"timeout"`      // 0 = wait forever
	RateLimit      string        `yaml:"rate_limit"`   // e.g. "10MB/s", empty = unlimited
	MaxTraceValues int           `yaml:"max_trace_values"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the HTTP endpoint for /healthz and /metrics.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EmulatorConfig defines the emulated server started by "spcmctl emulate".
type EmulatorConfig struct {
	ListenAddress string  `yaml:"listen_address"`
	Advertise     bool    `yaml:"advertise"`
	ServiceID     int     `yaml:"service_id"`
	Ordinal       int     `yaml:"ordinal"`
	Version       float64 `yaml:"version"`

	Fault FaultConfig `yaml:"fault"`
}

// FaultConfig injects faults into emulator replies for client testing.
type FaultConfig struct {
	Type        string        `yaml:"type"` // none, disconnect, delay, corrupt, truncate, reject, panic
	Probability float64       `yaml:"probability"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Enabled:        true,
			Service:        discovery.DefaultService,
			Domain:         discovery.DefaultDomain,
			InstancePrefix: discovery.DefaultInstancePrefix,
			Attempts:       discovery.DefaultAttempts,
			SweepTimeout:   discovery.DefaultSweepTimeout,
			ProbeTimeout:   probe.DefaultTimeout,
		},
		Session: SessionConfig{
			KeyBits:     crypto.DefaultKeyBits,
			ReadBuffer:  transport.DefaultReadBufferSize,
			DialTimeout: 10 * time.Second,
		},
		Transfer: TransferConfig{
			MaxTraceValues: filetransfer.DefaultMaxTraceValues,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9464",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Emulator: EmulatorConfig{
			ListenAddress: fmt.Sprintf("0.0.0.0:%d", discovery.DefaultPort),
			Advertise:     true,
			ServiceID:     discovery.DefaultServiceID,
			Version:       1.0,
			Fault:         FaultConfig{Probability: 0.1},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if (c.Remote.Host == "") != (c.Remote.Port == 0) {
		errs = append(errs, "remote.host and remote.port must both be set or both be empty")
	}
	if c.Remote.Port < 0 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Sprintf("remote.port %d out of range", c.Remote.Port))
	}
	if c.Remote.ServiceID < 0 {
		errs = append(errs, "remote.service_id must not be negative")
	}

	if c.Discovery.Enabled {
		if c.Discovery.Service == "" {
			errs = append(errs, "discovery.service is required when enabled")
		}
		if c.Discovery.Attempts < 1 {
			errs = append(errs, "discovery.attempts must be positive")
		}
		if c.Discovery.SweepTimeout <= 0 {
			errs = append(errs, "discovery.sweep_timeout must be positive")
		}
	}

	if c.Session.KeyBits < crypto.MinKeyBits {
		errs = append(errs, fmt.Sprintf("session.key_bits must be at least %d", crypto.MinKeyBits))
	}
	if c.Session.ReadBuffer < 512 {
		errs = append(errs, "session.read_buffer must be at least 512")
	}
	if c.Session.CommandTimeout < 0 || c.Session.DialTimeout < 0 {
		errs = append(errs, "session timeouts must not be negative")
	}

	if c.Transfer.BindAddress != "" && net.ParseIP(c.Transfer.BindAddress) == nil {
		errs = append(errs, fmt.Sprintf("transfer.bind_address: invalid IP: %s", c.Transfer.BindAddress))
	}
	if c.Transfer.Timeout < 0 {
		errs = append(errs, "transfer.timeout must not be negative")
	}
	if _, err := filetransfer.ParseRate(c.Transfer.RateLimit); err != nil {
		errs = append(errs, fmt.Sprintf("transfer.rate_limit: %v", err))
	}
	if c.Transfer.MaxTraceValues < 1 {
		errs = append(errs, "transfer.max_trace_values must be positive")
	}

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json or console)", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if _, _, err := net.SplitHostPort(c.Emulator.ListenAddress); err != nil {
		errs = append(errs, fmt.Sprintf("emulator.listen_address: %v", err))
	}
	if c.Emulator.ServiceID < 1 || c.Emulator.Ordinal < 0 {
		errs = append(errs, "emulator.service_id must be positive and emulator.ordinal not negative")
	}
	if _, err := chaos.ParseFaultType(c.Emulator.Fault.Type); err != nil {
		errs = append(errs, fmt.Sprintf("emulator.fault.type: %v", err))
	}
	if p := c.Emulator.Fault.Probability; p < 0 || p > 1 {
		errs = append(errs, fmt.Sprintf("emulator.fault.probability must be between 0 and 1, got %v", p))
	}
	if c.Emulator.Fault.MaxDelay < c.Emulator.Fault.MinDelay {
		errs = append(errs, "emulator.fault.max_delay must not be less than min_delay")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrConfiguration, strings.Join(errs, "\n  - "))
	}

	return nil
}

// RateLimitBytes returns transfer.rate_limit in bytes per second.
func (c *Config) RateLimitBytes() int64 {
	n, _ := filetransfer.ParseRate(c.Transfer.RateLimit)
	return n
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Save writes the configuration as YAML with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
