package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Client    ClientConfig    `yaml:"client"`
}

// RelayConfig listener and session configuration
type RelayConfig struct {
	BindAddr          string `yaml:"bind_addr"`          // Relay listening address (format: ip:port or :port)
	MaxLineBytes      int    `yaml:"max_line_bytes"`     // Longest accepted envelope line, excluding the newline
	ReadTimeout       int    `yaml:"read_timeout"`       // Idle read timeout in seconds (0 disables it)
	WriteTimeout      int    `yaml:"write_timeout"`      // Per-line write timeout in seconds
	KeepaliveInterval int    `yaml:"keepalive_interval"` // Liveness sweep interval in seconds
	SweepConcurrency  int    `yaml:"sweep_concurrency"`  // Max probes in flight during one sweep
	TCPKeepAlive      int    `yaml:"tcp_keepalive"`      // TCP keep-alive period in seconds (negative disables it)
	ProxyProtocol     bool   `yaml:"proxy_protocol"`     // Expect a PROXY v1 header as the first line of every connection
}

// TelemetryConfig egress telemetry configuration
type TelemetryConfig struct {
	Enabled   *bool  `yaml:"enabled"`    // Defaults to true when api_url is set
	APIURL    string `yaml:"api_url"`    // HTTP sink receiving one POST per event
	QueueSize int    `yaml:"queue_size"` // Bounded queue capacity; events beyond it are dropped
	Timeout   int    `yaml:"timeout"`    // Sink request timeout in seconds
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// MetricsConfig prometheus exporter configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// ClientConfig relay client (client command) configuration
type ClientConfig struct {
	RelayAddr         string `yaml:"relay_addr"`         // Relay address to dial (format: host:port)
	ReconnectInterval int    `yaml:"reconnect_interval"` // Seconds to wait between reconnect attempts
	MaxReconnect      int    `yaml:"max_reconnect"`      // Consecutive failed attempts before giving up (0 means never)
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, then applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a Config populated from defaults and the environment only.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment.
// Missing files are ignored; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Relay.BindAddr == "" {
		c.Relay.BindAddr = ":8000"
	}
	if c.Relay.MaxLineBytes == 0 {
		c.Relay.MaxLineBytes = 1 << 20
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = 10
	}
	if c.Relay.KeepaliveInterval == 0 {
		c.Relay.KeepaliveInterval = 300
	}
	if c.Relay.SweepConcurrency == 0 {
		c.Relay.SweepConcurrency = 16
	}
	if c.Relay.TCPKeepAlive == 0 {
		c.Relay.TCPKeepAlive = 60
	}

	if c.Telemetry.QueueSize == 0 {
		c.Telemetry.QueueSize = 10000
	}
	if c.Telemetry.Timeout == 0 {
		c.Telemetry.Timeout = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}

	if c.Client.RelayAddr == "" {
		c.Client.RelayAddr = "127.0.0.1:8000"
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = 5
	}
}

// Validate reports configuration values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Relay.MaxLineBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_line_bytes must be positive, got %d", c.Relay.MaxLineBytes))
	}
	if c.Relay.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.read_timeout must not be negative, got %d", c.Relay.ReadTimeout))
	}
	if c.Relay.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout must not be negative, got %d", c.Relay.WriteTimeout))
	}
	if c.Relay.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("relay.keepalive_interval must not be negative, got %d", c.Relay.KeepaliveInterval))
	}
	if c.Relay.SweepConcurrency < 0 {
		errs = append(errs, fmt.Errorf("relay.sweep_concurrency must not be negative, got %d", c.Relay.SweepConcurrency))
	}
	if c.Telemetry.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("telemetry.queue_size must not be negative, got %d", c.Telemetry.QueueSize))
	}
	if c.Telemetry.Enabled != nil && *c.Telemetry.Enabled && c.Telemetry.APIURL == "" {
		errs = append(errs, errors.New("telemetry.enabled is true but telemetry.api_url is empty"))
	}
	if c.Client.MaxReconnect < 0 {
		errs = append(errs, fmt.Errorf("client.max_reconnect must not be negative, got %d", c.Client.MaxReconnect))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// TelemetryEnabled reports whether relay events are shipped to the sink.
func (c *Config) TelemetryEnabled() bool {
	if c.Telemetry.APIURL == "" {
		return false
	}
	return c.Telemetry.Enabled == nil || *c.Telemetry.Enabled
}

// IsDebug reports whether debug logging is on.
func (c *Config) IsDebug() bool {
	return c.Log.Debug || c.Log.Level == "debug"
}

// GetReadTimeout gets idle read timeout (zero means none)
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Relay.ReadTimeout) * time.Second
}

// GetWriteTimeout gets per-line write timeout
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Relay.WriteTimeout) * time.Second
}

// GetKeepaliveInterval gets liveness sweep interval
func (c *Config) GetKeepaliveInterval() time.Duration {
	return time.Duration(c.Relay.KeepaliveInterval) * time.Second
}

// GetTCPKeepAlive gets the TCP keep-alive period
func (c *Config) GetTCPKeepAlive() time.Duration {
	return time.Duration(c.Relay.TCPKeepAlive) * time.Second
}

// GetTelemetryTimeout gets sink request timeout
func (c *Config) GetTelemetryTimeout() time.Duration {
	return time.Duration(c.Telemetry.Timeout) * time.Second
}

// GetReconnectInterval gets client reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Client.ReconnectInterval) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("RELAY_BIND_ADDR"); val != "" {
		c.Relay.BindAddr = val
	}
	setInt(&c.Relay.MaxLineBytes, "RELAY_MAX_LINE_BYTES")
	setInt(&c.Relay.ReadTimeout, "RELAY_READ_TIMEOUT_SECONDS")
	setInt(&c.Relay.WriteTimeout, "RELAY_WRITE_TIMEOUT_SECONDS")
	setInt(&c.Relay.KeepaliveInterval, "RELAY_KEEPALIVE_INTERVAL_SECONDS")
	setInt(&c.Relay.SweepConcurrency, "RELAY_SWEEP_CONCURRENCY")
	setInt(&c.Relay.TCPKeepAlive, "RELAY_TCP_KEEPALIVE_SECONDS")
	if val, ok := lookupBool("RELAY_PROXY_PROTOCOL"); ok {
		c.Relay.ProxyProtocol = val
	}

	// API_URL is the name the relay has always read the sink from.
	if val := os.Getenv("API_URL"); val != "" {
		c.Telemetry.APIURL = val
	} else if val := os.Getenv("TELEMETRY_API_URL"); val != "" {
		c.Telemetry.APIURL = val
	}
	if val, ok := lookupBool("TELEMETRY_ENABLED"); ok {
		c.Telemetry.Enabled = &val
	}
	setInt(&c.Telemetry.QueueSize, "TELEMETRY_QUEUE_SIZE")
	setInt(&c.Telemetry.Timeout, "TELEMETRY_TIMEOUT_SECONDS")

	if val, ok := lookupBool("DEBUG"); ok {
		c.Log.Debug = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}

	if val := os.Getenv("RELAY_ADDR"); val != "" {
		c.Client.RelayAddr = val
	}
	setInt(&c.Client.ReconnectInterval, "CLIENT_RECONNECT_INTERVAL_SECONDS")
	setInt(&c.Client.MaxReconnect, "CLIENT_MAX_RECONNECT")
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

// lookupBool accepts "true"/"1" and "false"/"0" (case-insensitive); anything else is ignored.
func lookupBool(key string) (bool, bool) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}
