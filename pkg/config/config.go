// Package config provides configuration handling for the passive tap server.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/render"
)

// Config represents the complete server configuration.
type Config struct {
	// Interfaces are the capture interfaces, in command-line order.
	Interfaces []core.InterfaceConfig `json:"interfaces" yaml:"interfaces"`

	// Verbose is the default output level for every listener.
	Verbose int `json:"verbose" yaml:"verbose"`

	// Render controls payload rendering.
	Render render.Options `json:"render" yaml:"render"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// API contains the status API configuration.
	API APIConfig `json:"api" yaml:"api"`

	// Metrics contains the metrics configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is the log line format (text, json).
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// APIConfig contains configuration for the HTTP status API.
type APIConfig struct {
	// Address is the listen address. Empty disables the API.
	Address string `json:"address" yaml:"address"`

	// MetricsPath is the path serving Prometheus metrics.
	MetricsPath string `json:"metricsPath" yaml:"metricsPath"`
}

// MetricsConfig contains configuration for metrics reporting.
type MetricsConfig struct {
	// Interval is the period of the metrics log line, e.g. "30s". Empty disables it.
	Interval string `json:"interval" yaml:"interval"`

	// Format is the metrics log format: text or json.
	Format string `json:"format" yaml:"format"`

	// RemoteWriteURL is a Prometheus remote-write endpoint. Empty disables it.
	RemoteWriteURL string `json:"remoteWriteURL" yaml:"remoteWriteURL"`

	// RemoteWriteInterval is the push period, e.g. "15s".
	RemoteWriteInterval string `json:"remoteWriteInterval" yaml:"remoteWriteInterval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Interfaces: []core.InterfaceConfig{},
		Verbose:    0,
		Render:     render.Default,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		API: APIConfig{
			Address:     ":8080",
			MetricsPath: "/metrics",
		},
		Metrics: MetricsConfig{
			Interval:            "",
			Format:              "text",
			RemoteWriteInterval: "15s",
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("PASSIVE_VERBOSE"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			config.Verbose = v
		}
	}
	if val := os.Getenv("PASSIVE_EXACT_TAIL"); val != "" {
		config.Render.ExactTail = envBool(val)
	}
	if val, ok := os.LookupEnv("PASSIVE_API_ADDR"); ok {
		config.API.Address = val
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FORMAT"); val != "" {
		config.Logging.Format = strings.ToLower(strings.TrimSpace(val))
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}

	// Metrics config
	if val := os.Getenv("METRICS_INTERVAL"); val != "" {
		config.Metrics.Interval = val
	}
	if val := os.Getenv("METRICS_FORMAT"); val != "" {
		config.Metrics.Format = strings.ToLower(strings.TrimSpace(val))
	}
	if val := os.Getenv("METRICS_REMOTE_WRITE_URL"); val != "" {
		config.Metrics.RemoteWriteURL = val
	}
}

// Validate checks the whole configuration. It must pass before any
// interface or listener is created.
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no interfaces specified")
	}
	if c.Verbose < 0 {
		return fmt.Errorf("invalid verbosity: %d", c.Verbose)
	}

	seen := make(map[string]bool, len(c.Interfaces))
	for _, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface name cannot be empty")
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interface %s specified more than once", ifc.Name)
		}
		seen[ifc.Name] = true

		switch ifc.Type {
		case core.CapturePcap, core.CaptureTun, core.CaptureRaw:
		default:
			return fmt.Errorf("interface %s: unknown capture type %q", ifc.Name, ifc.Type)
		}
		if ifc.SnapLen < 0 || ifc.MTU < 0 {
			return fmt.Errorf("interface %s: snapLen and mtu cannot be negative", ifc.Name)
		}
		if len(ifc.Listeners) == 0 {
			return fmt.Errorf("no listen addresses specified for interface %s", ifc.Name)
		}

		for _, l := range ifc.Listeners {
			if _, err := core.ParseAddress(l.Address); err != nil {
				return fmt.Errorf("interface %s: %w", ifc.Name, err)
			}
			if l.Port == nil {
				return fmt.Errorf("no port given for listen address %s on interface %s", l.Address, ifc.Name)
			}
			if *l.Port < 0 || *l.Port > 65535 {
				return fmt.Errorf("port %d on interface %s is out of range", *l.Port, ifc.Name)
			}
			if l.Verbose < 0 {
				return fmt.Errorf("invalid verbosity for listener %s: %d", l.Address, l.Verbose)
			}
		}
	}

	if c.Render.Threshold < 0 {
		return fmt.Errorf("invalid render threshold: %d", c.Render.Threshold)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	switch c.Metrics.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}
	for _, iv := range []string{c.Metrics.Interval, c.Metrics.RemoteWriteInterval} {
		if iv == "" {
			continue
		}
		if d, err := time.ParseDuration(iv); err != nil || d <= 0 {
			return fmt.Errorf("invalid metrics interval: %s", iv)
		}
	}

	return nil
}

// Normalize derives per-interface runtime fields: instance numbers and
// aliases per capture type, collision domains, forced promiscuity and the
// effective listener verbosity. Call it after Validate.
func (c *Config) Normalize() {
	instances := make(map[string]int)
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		ifc.Instance = instances[ifc.Type]
		instances[ifc.Type]++
		ifc.Alias = fmt.Sprintf("%s%d", ifc.Type, ifc.Instance)
		ifc.CDom = i + 1

		for j := range ifc.Listeners {
			l := &ifc.Listeners[j]
			if l.Verbose < c.Verbose {
				l.Verbose = c.Verbose
			}
			if addr, err := core.ParseAddress(l.Address); err == nil && addr.IsUnspecified() {
				ifc.Promiscuous = true
			}
			if l.Port != nil && *l.Port == 0 {
				ifc.Promiscuous = true
			}
		}
	}
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)
	if err := logging.SetFormat(c.Logging.Format); err != nil {
		return err
	}

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MetricsInterval returns the parsed metrics log interval, or zero.
func (c *Config) MetricsInterval() time.Duration {
	d, _ := time.ParseDuration(c.Metrics.Interval)
	return d
}

// RemoteWriteInterval returns the parsed remote-write interval.
func (c *Config) RemoteWriteInterval() time.Duration {
	d, err := time.ParseDuration(c.Metrics.RemoteWriteInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
