// Package config resolves orchestrator settings from an optional
// apiary.yaml file with environment variable overrides. Environment wins
// over file, file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized by Load
const (
	EnvDataRoot         = "DATA_ROOT"
	EnvListenAddr       = "LISTEN_ADDR"
	EnvContainerBackend = "CONTAINER_BACKEND"
	EnvProviderAPIKey   = "PROVIDER_API_KEY"
	EnvLogLevel         = "APIARY_LOG_LEVEL"
	EnvAutoConnectHuman = "APIARY_AUTO_CONNECT_HUMAN"
)

// Defaults
const (
	DefaultDataRoot    = "/var/lib/apiary"
	DefaultListenAddr  = ":8420"
	DefaultLogLevel    = "info"
	DefaultImage       = "apiary/bee:latest"
	DefaultStopTimeout = 10 * time.Second

	// BackendContainerd is the only container backend currently shipped.
	BackendContainerd = "containerd"
)

// Config is the resolved orchestrator configuration
type Config struct {
	DataRoot         string        `yaml:"dataRoot"`
	ListenAddr       string        `yaml:"listenAddr"`
	LogLevel         string        `yaml:"logLevel"`
	ContainerBackend string        `yaml:"containerBackend"`
	ContainerSocket  string        `yaml:"containerSocket"`
	AgentImage       string        `yaml:"agentImage"`
	StopTimeout      time.Duration `yaml:"stopTimeout"`

	// AutoConnectHuman seeds human↔agent edges when a new agent is added.
	AutoConnectHuman bool `yaml:"autoConnectHuman"`

	// ProviderAPIKey is passed into agent containers; never logged.
	ProviderAPIKey string `yaml:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataRoot:         DefaultDataRoot,
		ListenAddr:       DefaultListenAddr,
		LogLevel:         DefaultLogLevel,
		ContainerBackend: BackendContainerd,
		AgentImage:       DefaultImage,
		StopTimeout:      DefaultStopTimeout,
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (if
// path is empty or the file does not exist the file layer is skipped), then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", errdefs.ErrValidation, path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("%w: data root must not be empty", errdefs.ErrValidation)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address must not be empty", errdefs.ErrValidation)
	}
	if c.ContainerBackend != BackendContainerd {
		return fmt.Errorf("%w: unknown container backend %q", errdefs.ErrValidation, c.ContainerBackend)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataRoot); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvContainerBackend); v != "" {
		cfg.ContainerBackend = v
	}
	if v := os.Getenv(EnvProviderAPIKey); v != "" {
		cfg.ProviderAPIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvAutoConnectHuman); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoConnectHuman = b
		}
	}
}
