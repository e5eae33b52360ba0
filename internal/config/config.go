// Package config provides configuration parsing and validation for sctp4udp.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
	Association AssociationConfig `yaml:"association"`
	Pool        PoolConfig        `yaml:"pool"`
	Link        LinkConfig        `yaml:"link"`
	Health      HealthConfig      `yaml:"health"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig describes the shared server link and the accept path.
type ServerConfig struct {
	Address string `yaml:"address"`
	// Port is both the UDP and the SCTP port. 0 or out of range selects any
	// free port.
	Port            int     `yaml:"port"`
	MaxAssociations int     `yaml:"max_associations"`
	AcceptRate      float64 `yaml:"accept_rate"`
	AcceptBurst     int     `yaml:"accept_burst"`
}

// AssociationConfig holds per-association defaults.
type AssociationConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MaxMessageSize    ByteSize      `yaml:"max_message_size"`
	ReceiveBufferSize ByteSize      `yaml:"receive_buffer_size"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Size 0 selects NumCPU * 3.
	Size int `yaml:"size"`
}

// LinkConfig tunes the UDP transport links.
type LinkConfig struct {
	ReadBufferSize  ByteSize `yaml:"read_buffer_size"`
	MaxInboundQueue ByteSize `yaml:"max_inbound_queue"`
}

// HealthConfig controls the HTTP health server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a byte count that accepts plain integers or humanized strings
// such as "64KiB" or "1 MB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Exact counts are written since
// humanized forms round.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return uint64(b), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            9899,
			MaxAssociations: 1024,
			AcceptRate:      100,
			AcceptBurst:     20,
		},
		Association: AssociationConfig{
			ConnectTimeout:    30 * time.Second,
			MaxMessageSize:    64 * 1024,
			ReceiveBufferSize: 1024 * 1024,
		},
		Pool: PoolConfig{
			Size: 0,
		},
		Link: LinkConfig{
			ReadBufferSize:  65535,
			MaxInboundQueue: 1024 * 1024,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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

// envVarRegex matches ${VAR}, ${VAR:-default}, and $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references in s.
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
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if _, err := netip.ParseAddr(c.Server.Address); err != nil {
		errs = append(errs, fmt.Sprintf("server.address: invalid IP %q", c.Server.Address))
	}
	if c.Server.MaxAssociations < 0 {
		errs = append(errs, "server.max_associations must not be negative")
	}
	if c.Server.AcceptRate < 0 {
		errs = append(errs, "server.accept_rate must not be negative")
	}
	if c.Server.AcceptBurst < 0 {
		errs = append(errs, "server.accept_burst must not be negative")
	}

	if c.Association.ConnectTimeout <= 0 {
		errs = append(errs, "association.connect_timeout must be positive")
	}
	if c.Association.MaxMessageSize < 1024 {
		errs = append(errs, "association.max_message_size must be at least 1KiB")
	}
	if c.Association.MaxMessageSize > 1<<32-1 {
		errs = append(errs, "association.max_message_size must fit in 32 bits")
	}
	if c.Association.ReceiveBufferSize < c.Association.MaxMessageSize {
		errs = append(errs, "association.receive_buffer_size must be >= max_message_size")
	}
	if c.Association.ReceiveBufferSize > 1<<32-1 {
		errs = append(errs, "association.receive_buffer_size must fit in 32 bits")
	}

	if c.Pool.Size < 0 {
		errs = append(errs, "pool.size must not be negative")
	}

	if c.Link.ReadBufferSize < 1500 || c.Link.ReadBufferSize > 65535 {
		errs = append(errs, "link.read_buffer_size must be between 1500 and 65535")
	}
	if c.Link.MaxInboundQueue < c.Link.ReadBufferSize {
		errs = append(errs, "link.max_inbound_queue must be >= read_buffer_size")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ServerAddr returns the parsed server address. Call after Validate.
func (c *Config) ServerAddr() netip.Addr {
	addr, _ := netip.ParseAddr(c.Server.Address)
	return addr
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
