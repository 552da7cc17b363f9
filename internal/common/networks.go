package common

import (
	"fmt"
	"os"
	"path/filepath"

	"settlement-engine-go/internal/models"

	"gopkg.in/yaml.v2"
)

type NetworksConfig struct {
	Networks []models.NetworkConfig `yaml:"networks"`
}

// LoadNetworks reads the monitored chains from a YAML file. Relative paths
// resolve against the working directory.
func LoadNetworks(networksFile string) ([]models.NetworkConfig, error) {
	var networksPath string
	if filepath.IsAbs(networksFile) {
		networksPath = networksFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		networksPath = filepath.Join(wd, networksFile)
	}

	data, err := os.ReadFile(networksPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", networksFile, err)
	}
	return ParseNetworks(data)
}

func ParseNetworks(data []byte) ([]models.NetworkConfig, error) {
	var config NetworksConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse networks: %w", err)
	}

	seen := make(map[string]bool, len(config.Networks))
	for i, network := range config.Networks {
		switch {
		case network.Name == "":
			return nil, fmt.Errorf("network at index %d missing name", i)
		case seen[network.Name]:
			return nil, fmt.Errorf("network %s listed twice", network.Name)
		case network.Currency == "":
			return nil, fmt.Errorf("network %s missing currency", network.Name)
		case network.RPCURL == "":
			return nil, fmt.Errorf("network %s missing rpc_url", network.Name)
		case network.TokenContract == "":
			return nil, fmt.Errorf("network %s missing token_contract", network.Name)
		case network.TokenDecimals <= 0:
			return nil, fmt.Errorf("network %s needs positive token_decimals", network.Name)
		}
		seen[network.Name] = true
	}

	return config.Networks, nil
}

// FindNetwork returns the named network from the list.
func FindNetwork(networks []models.NetworkConfig, name string) (models.NetworkConfig, error) {
	for _, network := range networks {
		if network.Name == name {
			return network, nil
		}
	}
	return models.NetworkConfig{}, fmt.Errorf("network %q is not configured", name)
}
