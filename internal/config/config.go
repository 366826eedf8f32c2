// Package config loads the frozen NetworkingConfig snapshot a posemesh
// engine is built from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/posemesh/core/internal/validate"
)

// NetworkingConfig is the config surface from spec.md §3, recognized once
// at engine startup and never mutated afterward.
type NetworkingConfig struct {
	Port               uint16   `yaml:"port"`
	BootstrapNodes     []string `yaml:"bootstrap_nodes,omitempty"`
	RelayNodes         []string `yaml:"relay_nodes,omitempty"`
	EnableRelayServer  bool     `yaml:"enable_relay_server"`
	EnableKDHT         bool     `yaml:"enable_kdht"`
	EnableMDNS         bool     `yaml:"enable_mdns"`
	PrivateKey         []byte   `yaml:"private_key,omitempty"`
	PrivateKeyPath     string   `yaml:"private_key_path,omitempty"`
	Name               string   `yaml:"name"`
	NodeTypes          []string `yaml:"node_types,omitempty"`
	NodeCapabilities   []string `yaml:"node_capabilities,omitempty"`

	// DHTNamespace, when set, scopes the DHT protocol ID to a private
	// network instead of the global "/posemesh/..." prefix.
	DHTNamespace string `yaml:"dht_namespace,omitempty"`
}

// Default returns a NetworkingConfig matching the original's defaults: an
// ephemeral port, mDNS on, DHT off, relay disabled, key persisted under
// ./volume/pkey.
func Default() NetworkingConfig {
	return NetworkingConfig{
		Port:           0,
		EnableMDNS:     true,
		EnableKDHT:     false,
		PrivateKeyPath: "./volume/pkey",
		Name:           "posemesh node",
	}
}

// Load reads and parses a NetworkingConfig from a YAML file, applying
// Default() for zero-valued fields the file doesn't set.
func Load(path string) (NetworkingConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NetworkingConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return NetworkingConfig{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NetworkingConfig{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NetworkingConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configs with conflicting or malformed fields. Bootstrap
// and relay addresses are not validated here: spec.md says malformed
// entries there are skipped, not fatal, so that check lives in the engine's
// address-parsing path (internal/validate.AddrInfos), not here.
func Validate(cfg NetworkingConfig) error {
	if cfg.DHTNamespace != "" {
		if err := validate.NetworkName(cfg.DHTNamespace); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
