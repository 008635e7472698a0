// Package config loads the scheduler's JSON configuration file: deployment
// identity, HTTP listen address, database path, the storage collaborator
// declaration, and the per-worker-type config blobs served over
// get_system_config.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ARiSE-Lab/kGymSuite/internal/storage"
)

// Config is the scheduler configuration.
type Config struct {
	// DeploymentName identifies this deployment in the system config handed
	// to workers.
	DeploymentName string `json:"deploymentName"`

	// Listen is the HTTP bind address; ListenPort the port.
	Listen     string `json:"listen"`
	ListenPort int    `json:"listenPort"`

	// AllowedOrigins is the CORS allowlist for the HTTP surface.
	AllowedOrigins []string `json:"allowedOrigins"`

	// DBPath is the SQLite database file path.
	DBPath string `json:"dbPath"`

	// Storage declares the storage collaborator workers should use.
	Storage storage.ProviderConfig `json:"storage"`

	// WorkerConfigs maps worker type to the opaque config blob served to
	// workers of that type. Types without an entry receive null.
	WorkerConfigs map[string]json.RawMessage `json:"workerConfigs"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.DeploymentName == "" {
		return fmt.Errorf("config: deploymentName is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: dbPath is required")
	}
	if c.Storage.ProviderType == "" {
		return fmt.Errorf("config: storage.providerType is required")
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	}
	return nil
}

// WorkerConfig returns the config blob for one worker type, or null when the
// type has no entry.
func (c *Config) WorkerConfig(workerType string) json.RawMessage {
	if blob, ok := c.WorkerConfigs[workerType]; ok {
		return blob
	}
	return json.RawMessage("null")
}
