package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized as overrides. Secrets belong in the
// environment, not in the config file.
const (
	EnvDataDir    = "CTNET_DATA_DIR"
	EnvNodeAPIKey = "CTNET_NODE_API_KEY"
	EnvLogLevel   = "CTNET_LOG_LEVEL"
)

// Load reads configuration from the given YAML file, applies environment
// overrides, and validates the result. A missing file is an error: the engine
// cannot run on defaults alone because node endpoints have none.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
// CTNET_NODE_API_KEY applies to every node whose api_key was left empty.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvNodeAPIKey); v != "" {
		for i := range cfg.Nodes {
			if cfg.Nodes[i].APIKey == "" {
				cfg.Nodes[i].APIKey = v
			}
		}
	}
}
