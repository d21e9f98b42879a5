// Package config loads the daemon configuration from the environment
// with the WARDEN_ prefix. Every knob has a default so a bare
// `wardend run` works out of the box.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration. Variable names are spelled
// out in full in the tags and Process runs with an empty prefix, so
// each knob is read under exactly the name documented here.
type Config struct {
	Server  ServerConfig
	Kernel  KernelConfig
	Modules ModulesConfig
	Logging LogConfig
}

// ServerConfig holds the control-plane HTTP server configuration.
type ServerConfig struct {
	Host           string   `envconfig:"WARDEN_SERVER_HOST" default:"0.0.0.0"`
	Port           int      `envconfig:"WARDEN_SERVER_PORT" default:"8080"`
	CORSOrigins    []string `envconfig:"WARDEN_SERVER_CORS_ORIGINS" default:"*"`
	RateLimitRPS   int      `envconfig:"WARDEN_SERVER_RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int      `envconfig:"WARDEN_SERVER_RATE_LIMIT_BURST" default:"200"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// KernelConfig holds the kernel tunables.
type KernelConfig struct {
	TickInterval    time.Duration `envconfig:"WARDEN_KERNEL_TICK_INTERVAL" default:"10ms"`
	SliceTicks      uint32        `envconfig:"WARDEN_KERNEL_SLICE_TICKS" default:"10"`
	WatchdogTicks   uint32        `envconfig:"WARDEN_KERNEL_WATCHDOG_TICKS" default:"0"`
	TableCapacity   int           `envconfig:"WARDEN_KERNEL_TABLE_CAPACITY" default:"64"`
	DefaultMemLimit uint64        `envconfig:"WARDEN_KERNEL_DEFAULT_MEM_LIMIT" default:"16777216"`
	PoolBytes       int           `envconfig:"WARDEN_KERNEL_POOL_BYTES" default:"0"`
	TraceSyscalls   bool          `envconfig:"WARDEN_KERNEL_TRACE_SYSCALLS" default:"false"`
	Bench           bool          `envconfig:"WARDEN_KERNEL_BENCH" default:"false"`
}

// ModulesConfig holds module discovery and fetch configuration.
type ModulesConfig struct {
	Dir            string        `envconfig:"WARDEN_MODULES_DIR" default:"./modules"`
	Pattern        string        `envconfig:"WARDEN_MODULES_PATTERN" default:"**/*.manifest.{yaml,yml,toml,json}"`
	MaxModuleBytes int64         `envconfig:"WARDEN_MODULES_MAX_BYTES" default:"16777216"`
	FetchTimeout   time.Duration `envconfig:"WARDEN_MODULES_FETCH_TIMEOUT" default:"30s"`
	FetchRetries   int           `envconfig:"WARDEN_MODULES_FETCH_RETRIES" default:"2"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string   `envconfig:"WARDEN_LOG_LEVEL" default:"info"`
	Development bool     `envconfig:"WARDEN_LOG_DEV" default:"false"`
	OutputPaths []string `envconfig:"WARDEN_LOG_OUTPUTS" default:"stdout"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns
// the defaults when processing fails.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Kernel: KernelConfig{
			TickInterval:    10 * time.Millisecond,
			SliceTicks:      10,
			TableCapacity:   64,
			DefaultMemLimit: 16 << 20,
		},
		Modules: ModulesConfig{
			Dir:            "./modules",
			Pattern:        "**/*.manifest.{yaml,yml,toml,json}",
			MaxModuleBytes: 16 << 20,
			FetchTimeout:   30 * time.Second,
			FetchRetries:   2,
		},
		Logging: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stdout"},
		},
	}
}
