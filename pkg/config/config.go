/*
Copyright 2024 Open Defense Cloud Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config provides configuration loading and validation for the communicator.
//
// A configuration is assembled in three layers: struct tag defaults, an
// optional YAML file and COMMUNICATOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "COMMUNICATOR"

// ErrEmptyFile is returned when a configuration file has no content.
var ErrEmptyFile = errors.New("configuration file is empty")

// Config is the complete communicator configuration.
type Config struct {
	// Service identifies the process in telemetry.
	Service ServiceConfig `json:"service" yaml:"service"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Telemetry configuration.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Server configuration.
	Server ServerConfig `json:"server" yaml:"server"`

	// Shutdown configuration.
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// ServiceConfig contains service identity.
type ServiceConfig struct {
	// Name is the name of the service for observability.
	Name string `json:"name" yaml:"name" default:"communicator"`
	// Version is the version of the service.
	Version string `json:"version" yaml:"version" default:"dev"`
	// Environment is the deployment environment.
	Environment string `json:"environment" yaml:"environment"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `json:"level" yaml:"level" default:"info"`
	// Format is the log format (json, console).
	Format string `json:"format" yaml:"format" default:"json"`
	// Development enables development mode.
	Development bool `json:"development" yaml:"development"`
}

// TelemetryConfig contains OpenTelemetry configuration.
type TelemetryConfig struct {
	// Enabled enables span export. Trace correlation works either way.
	Enabled bool `json:"enabled" yaml:"enabled" default:"true"`
	// Endpoint is the OTLP collector endpoint.
	Endpoint string `json:"endpoint" yaml:"endpoint" default:"jaeger:4317"`
	// Protocol is the OTLP transport (grpc, http).
	Protocol string `json:"protocol" yaml:"protocol" default:"grpc"`
	// Insecure disables TLS for the telemetry connection.
	Insecure bool `json:"insecure" yaml:"insecure" default:"true"`
	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate" default:"1.0"`
	// MetricsExporter selects where metrics go (otlp, prometheus, none).
	MetricsExporter string `json:"metricsExporter" yaml:"metricsExporter" default:"otlp"`
	// ExportInterval is the metrics export interval.
	ExportInterval time.Duration `json:"exportInterval" yaml:"exportInterval" default:"30s"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address.
	Host string `json:"host" yaml:"host" default:"0.0.0.0"`
	// Port is the server port.
	Port int `json:"port" yaml:"port" default:"3000"`
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `json:"readTimeout" yaml:"readTimeout" default:"30s"`
	// ReadHeaderTimeout is the amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout" default:"10s"`
	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout" default:"30s"`
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `json:"idleTimeout" yaml:"idleTimeout" default:"120s"`
}

// ShutdownConfig controls how the process stops.
type ShutdownConfig struct {
	// TerminateSignalEnabled subscribes to SIGTERM in addition to interrupt.
	// Unset means enabled.
	TerminateSignalEnabled *bool `json:"terminateSignalEnabled,omitempty" yaml:"terminateSignalEnabled,omitempty"`
	// TeardownTimeout bounds the time spent in teardown hooks.
	TeardownTimeout time.Duration `json:"teardownTimeout" yaml:"teardownTimeout" default:"5s"`
}

// SetDefaults implements defaults.Setter.
func (s *ShutdownConfig) SetDefaults() {
	if s.TerminateSignalEnabled == nil {
		s.TerminateSignalEnabled = ptr.To(true)
	}
}

// TerminateEnabled reports whether the terminate signal should be subscribed.
func (s ShutdownConfig) TerminateEnabled() bool {
	return ptr.Deref(s.TerminateSignalEnabled, true)
}

// Default returns a Config with all defaults applied.
func Default() Config {
	var cfg Config
	// Tags are static; an error here is a programming mistake.
	if err := defaults.Set(&cfg); err != nil {
		panic(fmt.Sprintf("applying config defaults: %v", err))
	}
	return cfg
}

// UnmarshalYAML implements Unmarshaler interface and adds support for default
// values via tags, which is not supported
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	if err := defaults.Set(c); err != nil {
		return err
	}

	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	// An explicit null must not unset the default.
	c.Shutdown.SetDefaults()

	return nil
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseConfig parses YAML data on top of the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading configuration file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the file at path (if any), applies COMMUNICATOR_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, err
	}

	cfg.ApplyEnv(NewEnvLoader(EnvPrefix))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// EnvLoader loads configuration values from environment variables.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a new EnvLoader with the given prefix.
// Environment variables will be looked up as PREFIX_KEY (e.g., COMMUNICATOR_LOG_LEVEL).
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: strings.ToUpper(prefix), lookup: os.LookupEnv}
}

// NewMapEnvLoader creates an EnvLoader reading from a fixed map instead of the
// process environment.
func NewMapEnvLoader(prefix string, env map[string]string) *EnvLoader {
	return &EnvLoader{
		prefix: strings.ToUpper(prefix),
		lookup: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	}
}

func (l *EnvLoader) get(key string) string {
	value, _ := l.lookup(l.envKey(key))
	return value
}

// GetString returns the string value for the given key, or the default if not set.
func (l *EnvLoader) GetString(key, defaultValue string) string {
	if value := l.get(key); value != "" {
		return value
	}
	return defaultValue
}

// GetInt returns the int value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetInt(key string, defaultValue int) int {
	if value := l.get(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetBool returns the bool value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if value := l.get(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// GetFloat returns the float64 value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetFloat(key string, defaultValue float64) float64 {
	if value := l.get(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GetDuration returns the duration value for the given key, or the default if not set or invalid.
func (l *EnvLoader) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := l.get(key); value != "" {
		if durVal, err := time.ParseDuration(value); err == nil {
			return durVal
		}
	}
	return defaultValue
}

func (l *EnvLoader) envKey(key string) string {
	key = strings.ToUpper(key)
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if l.prefix != "" {
		return l.prefix + "_" + key
	}
	return key
}

// ApplyEnv overrides fields from environment variables read through loader.
func (c *Config) ApplyEnv(loader *EnvLoader) {
	c.Service.Name = loader.GetString("SERVICE_NAME", c.Service.Name)
	c.Service.Version = loader.GetString("SERVICE_VERSION", c.Service.Version)
	c.Service.Environment = loader.GetString("SERVICE_ENVIRONMENT", c.Service.Environment)

	c.Logging.Level = loader.GetString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = loader.GetString("LOG_FORMAT", c.Logging.Format)
	c.Logging.Development = loader.GetBool("LOG_DEVELOPMENT", c.Logging.Development)

	c.Telemetry.Enabled = loader.GetBool("TELEMETRY_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.Endpoint = loader.GetString("TELEMETRY_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Protocol = loader.GetString("TELEMETRY_PROTOCOL", c.Telemetry.Protocol)
	c.Telemetry.Insecure = loader.GetBool("TELEMETRY_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.SampleRate = loader.GetFloat("TELEMETRY_SAMPLE_RATE", c.Telemetry.SampleRate)
	c.Telemetry.MetricsExporter = loader.GetString("TELEMETRY_METRICS_EXPORTER", c.Telemetry.MetricsExporter)
	c.Telemetry.ExportInterval = loader.GetDuration("TELEMETRY_EXPORT_INTERVAL", c.Telemetry.ExportInterval)

	c.Server.Host = loader.GetString("SERVER_HOST", c.Server.Host)
	c.Server.Port = loader.GetInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = loader.GetDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.ReadHeaderTimeout = loader.GetDuration("SERVER_READ_HEADER_TIMEOUT", c.Server.ReadHeaderTimeout)
	c.Server.WriteTimeout = loader.GetDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = loader.GetDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)

	c.Shutdown.TerminateSignalEnabled = ptr.To(loader.GetBool("SHUTDOWN_TERMINATE_SIGNAL_ENABLED", c.Shutdown.TerminateEnabled()))
	c.Shutdown.TeardownTimeout = loader.GetDuration("SHUTDOWN_TEARDOWN_TIMEOUT", c.Shutdown.TeardownTimeout)
}
